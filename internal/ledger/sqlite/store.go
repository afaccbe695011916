// Package sqlite provides a SQLite-backed ledger.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"github.com/jmerrifield20/AuditLedger/internal/ledger/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const recordColumns = `chain_id, seq, id, recorded_at, data_kind, data, hash, previous_hash`

// Store persists audit records in a single SQLite file. The primary key on
// (chain_id, seq) and the unique index on (chain_id, previous_hash) make
// every insert a conditional write; triggers reject UPDATE and DELETE.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite store at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection; conflicts are still decided by the constraints.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// Put implements ledger.Store.
func (s *Store) Put(ctx context.Context, rec *ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	var previous any
	if !rec.IsGenesis() {
		previous = rec.PreviousHash
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO audit_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ChainID, int64(rec.Sequence), rec.ID, rec.Timestamp.UTC().UnixMicro(),
		string(rec.Kind), string(rec.Data), rec.Hash, previous,
	)
	switch {
	case err == nil:
		return nil
	case isConstraintError(err):
		return ledger.ErrConflict
	case isBusyError(err):
		return fmt.Errorf("%w: %v", ledger.ErrUnavailable, err)
	default:
		return fmt.Errorf("insert audit record: %w", err)
	}
}

// List implements ledger.Store.
func (s *Store) List(ctx context.Context, chainID string, after uint64, limit int) ([]*ledger.Record, error) {
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE chain_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		chainID, int64(after), limit,
	)
	if err != nil {
		return nil, wrapQueryError("list audit records", err)
	}
	defer rows.Close()

	var out []*ledger.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError("iterate audit records", err)
	}
	return out, nil
}

// Head implements ledger.HeadFinder.
func (s *Store) Head(ctx context.Context, chainID string) (*ledger.Record, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE chain_id = ?
		 ORDER BY seq DESC
		 LIMIT 1`,
		chainID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	return rec, err
}

// Chains implements ledger.Store.
func (s *Store) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT chain_id FROM audit_records ORDER BY chain_id`)
	if err != nil {
		return nil, wrapQueryError("list chains", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chain id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*ledger.Record, error) {
	var (
		rec        ledger.Record
		seq        int64
		recordedAt int64
		kind       string
		data       string
		previous   sql.NullString
	)
	if err := row.Scan(&rec.ChainID, &seq, &rec.ID, &recordedAt, &kind, &data, &rec.Hash, &previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scan audit record: %v", ledger.ErrCorruptRecord, err)
	}
	if seq <= 0 {
		return nil, fmt.Errorf("%w: record %s has sequence %d", ledger.ErrCorruptRecord, rec.ID, seq)
	}

	rec.Sequence = uint64(seq)
	rec.Timestamp = time.UnixMicro(recordedAt).UTC()
	rec.Kind = ledger.PayloadKind(kind)
	rec.Data = json.RawMessage(data)
	rec.PreviousHash = ledger.GenesisHash
	if previous.Valid {
		rec.PreviousHash = previous.String
	}
	return &rec, nil
}

func wrapQueryError(op string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT ||
		code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
}
