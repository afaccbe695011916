package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditLedger/internal/credentials"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/bolt"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/postgres"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/sqlite"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// errNoDatabase is returned when the postgres backend has neither a URL nor a
// credential reference.
var errNoDatabase = errors.New("postgres backend requires database.url or database.credentials_ref")

// backend is an opened store plus its readiness probe and cleanup.
type backend struct {
	store ledger.Store
	ping  func(context.Context) error
	close func()
}

// openBackend constructs the store named by ledger.backend.
func openBackend(ctx context.Context, v *viper.Viper, logger *zap.Logger) (*backend, error) {
	name := strings.ToLower(strings.TrimSpace(v.GetString("ledger.backend")))
	switch name {
	case "memory":
		logger.Warn("using in-memory ledger store; records are lost on restart")
		return &backend{
			store: ledger.NewMemoryStore(),
			ping:  func(context.Context) error { return nil },
			close: func() {},
		}, nil

	case "postgres":
		dsn, err := postgresURL(ctx, v, logger)
		if err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store := postgres.New(pool, logger)
		return &backend{store: store, ping: store.Ping, close: pool.Close}, nil

	case "sqlite":
		path := v.GetString("sqlite.path")
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("opened sqlite store", zap.String("path", path))
		return &backend{
			store: store,
			ping:  func(ctx context.Context) error { return store.DB().PingContext(ctx) },
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("close sqlite store", zap.Error(err))
				}
			},
		}, nil

	case "bolt":
		path := v.GetString("bolt.path")
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		store, err := bolt.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		logger.Info("opened bolt object store", zap.String("path", path))
		return &backend{
			store: store,
			ping:  func(context.Context) error { return nil },
			close: func() {
				if err := store.Close(); err != nil {
					logger.Warn("close bolt store", zap.Error(err))
				}
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown ledger.backend %q (want memory, postgres, sqlite or bolt)", name)
	}
}

// ensureDir creates the parent directory of a file-backed store.
func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// postgresURL prefers an explicit database.url and falls back to resolving
// database.credentials_ref.
func postgresURL(ctx context.Context, v *viper.Viper, logger *zap.Logger) (string, error) {
	if u := strings.TrimSpace(v.GetString("database.url")); u != "" {
		return u, nil
	}
	ref := strings.TrimSpace(v.GetString("database.credentials_ref"))
	if ref == "" {
		return "", errNoDatabase
	}
	info, err := credentials.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolve database credentials: %w", err)
	}
	logger.Info("resolved database credentials", zap.Stringer("connection", info))
	return info.PostgresURL(), nil
}
