// Package ledger implements a hash-chained, tamper-evident audit log.
//
// Records are grouped into independent chains. Each record commits to its
// predecessor through
//
//	hash = base64(SHA-256(previous_hash || canonical(data)))
//
// where the first record of a chain uses GenesisHash as its previous hash.
// Altering, reordering or deleting any committed record is detected by
// Verifier, which trusts nothing it has not recomputed.
//
// Persistence is abstracted behind Store. MemoryStore lives here; durable
// backends live in the postgres, sqlite and bolt subpackages.
package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// MaxListLimit caps the page size callers may request from Records.
const MaxListLimit = 1000

// Config tunes a Ledger.
type Config struct {
	MaxAppendAttempts int
	AppendBackoff     time.Duration
	PageSize          int
}

// Ledger bundles the appender, reader and verifier over one Store.
type Ledger struct {
	store    Store
	appender *Appender
	reader   *Reader
	verifier *Verifier
	logger   *zap.Logger
}

// New creates a Ledger backed by store.
func New(store Store, cfg Config, logger *zap.Logger) *Ledger {
	return &Ledger{
		store: store,
		appender: NewAppender(store, AppenderConfig{
			MaxAttempts: cfg.MaxAppendAttempts,
			Backoff:     cfg.AppendBackoff,
			PageSize:    cfg.PageSize,
		}, logger),
		reader:   NewReader(store, cfg.PageSize),
		verifier: NewVerifier(store, cfg.PageSize),
		logger:   logger,
	}
}

// SetConflictRecorder forwards fn to the appender.
func (l *Ledger) SetConflictRecorder(fn ConflictRecorder) {
	l.appender.SetConflictRecorder(fn)
}

// Append commits payload to chainID.
func (l *Ledger) Append(ctx context.Context, chainID string, payload Payload) (*Record, error) {
	return l.appender.Append(ctx, chainID, payload)
}

// Head returns the newest record of chainID.
func (l *Ledger) Head(ctx context.Context, chainID string) (*Record, error) {
	return l.reader.Head(ctx, chainID)
}

// Records returns up to limit records of chainID with sequence greater than after.
func (l *Ledger) Records(ctx context.Context, chainID string, after uint64, limit int) ([]*Record, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	recs, err := l.store.List(ctx, chainID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list chain %s: %w", chainID, err)
	}
	for _, rec := range recs {
		if err := checkMembership(rec, chainID); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// Verify replays chainID.
func (l *Ledger) Verify(ctx context.Context, chainID string) (*Result, error) {
	return l.verifier.Verify(ctx, chainID)
}

// Chains lists every non-empty chain.
func (l *Ledger) Chains(ctx context.Context) ([]string, error) {
	ids, err := l.store.Chains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	return ids, nil
}

// VerifyAll verifies every chain in the store. A backend failure on one chain
// stops the walk and is returned alongside the results gathered so far.
func (l *Ledger) VerifyAll(ctx context.Context) ([]*Result, error) {
	ids, err := l.Chains(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*Result, 0, len(ids))
	for _, id := range ids {
		res, err := l.Verify(ctx, id)
		if err != nil {
			return results, fmt.Errorf("verify chain %s: %w", id, err)
		}
		if !res.Verified {
			l.logger.Warn("chain failed verification",
				zap.String("chain_id", id),
				zap.String("reason", string(res.Failure.Reason)),
				zap.String("error", res.Error),
			)
		}
		results = append(results, res)
	}
	return results, nil
}
