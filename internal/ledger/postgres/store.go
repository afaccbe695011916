// Package postgres persists audit records to PostgreSQL.
//
// The audit_records table (migrations/001_audit_records.up.sql) carries a
// primary key on (chain_id, seq) and a unique constraint on
// (chain_id, previous_hash). Put relies on INSERT ... ON CONFLICT DO NOTHING:
// zero affected rows means another appender already extended the chain from
// the same head, which is reported as ledger.ErrConflict.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

const recordColumns = `chain_id, seq, id, recorded_at, data_kind, data, hash, previous_hash`

// Store is a ledger.Store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a Store using pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// Put implements ledger.Store.
func (s *Store) Put(ctx context.Context, rec *ledger.Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}

	var previous *string
	if !rec.IsGenesis() {
		p := rec.PreviousHash
		previous = &p
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO audit_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		rec.ChainID, int64(rec.Sequence), rec.ID, rec.Timestamp.UTC(),
		string(rec.Kind), string(rec.Data), rec.Hash, previous,
	)
	if err != nil {
		return classify(ctx, "insert audit record", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("audit record insert lost race",
			zap.String("chain_id", rec.ChainID),
			zap.Uint64("seq", rec.Sequence),
		)
		return ledger.ErrConflict
	}
	return nil
}

// List implements ledger.Store.
func (s *Store) List(ctx context.Context, chainID string, after uint64, limit int) ([]*ledger.Record, error) {
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE chain_id = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		chainID, int64(after), limit,
	)
	if err != nil {
		return nil, classify(ctx, "list audit records", err)
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
		return nil, classify(ctx, "iterate audit records", err)
	}
	return out, nil
}

// Head implements ledger.HeadFinder.
func (s *Store) Head(ctx context.Context, chainID string) (*ledger.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM audit_records
		 WHERE chain_id = $1
		 ORDER BY seq DESC
		 LIMIT 1`,
		chainID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil && !errors.Is(err, ledger.ErrCorruptRecord) {
		return nil, classify(ctx, "read chain head", err)
	}
	return rec, err
}

// Chains implements ledger.Store.
func (s *Store) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT chain_id FROM audit_records ORDER BY chain_id`)
	if err != nil {
		return nil, classify(ctx, "list chains", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(ctx, "collect chains", err)
	}
	return ids, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify(ctx, "ping postgres", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*ledger.Record, error) {
	var (
		rec      ledger.Record
		seq      int64
		kind     string
		data     string
		previous *string
	)
	if err := row.Scan(&rec.ChainID, &seq, &rec.ID, &rec.Timestamp, &kind, &data, &rec.Hash, &previous); err != nil {
		return nil, err
	}
	if seq <= 0 {
		return nil, fmt.Errorf("%w: record %s has sequence %d", ledger.ErrCorruptRecord, rec.ID, seq)
	}
	rec.Sequence = uint64(seq)
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Kind = ledger.PayloadKind(kind)
	rec.Data = json.RawMessage(data)
	rec.PreviousHash = ledger.GenesisHash
	if previous != nil {
		rec.PreviousHash = *previous
	}
	return &rec, nil
}

// classify maps connection-level failures to ledger.ErrUnavailable. Errors
// reported by the server itself are wrapped unchanged.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 (connection exception), 53 (insufficient resources) and
		// 57P0x (operator intervention, e.g. shutdown) are transient.
		switch {
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:4] == "57P0"):
			return fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, op, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
