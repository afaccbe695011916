package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/jmerrifield20/AuditLedger/internal/ledger")

// AppenderConfig tunes the optimistic retry loop.
type AppenderConfig struct {
	MaxAttempts int           // default 5
	Backoff     time.Duration // base delay between attempts, default 10ms
	PageSize    int           // head scan page size for stores without HeadFinder
}

// ConflictRecorder is an optional callback invoked each time an append loses
// the conditional write race.
type ConflictRecorder func(chainID string)

// Appender extends chains. It holds no chain state between calls; the store's
// conditional write is the only serialisation point, so any number of
// Appenders in any number of processes may share a store.
type Appender struct {
	store      Store
	reader     *Reader
	cfg        AppenderConfig
	now        func() time.Time
	newID      func() string
	onConflict ConflictRecorder
	logger     *zap.Logger
}

// NewAppender creates an Appender writing to store.
func NewAppender(store Store, cfg AppenderConfig, logger *zap.Logger) *Appender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 10 * time.Millisecond
	}
	return &Appender{
		store:  store,
		reader: NewReader(store, cfg.PageSize),
		cfg:    cfg,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		logger: logger,
	}
}

// SetConflictRecorder configures the conflict callback.
func (a *Appender) SetConflictRecorder(fn ConflictRecorder) {
	a.onConflict = fn
}

// Append commits payload as the next record of chainID and returns it.
//
// The head is read, the hash derived and the record written conditionally on
// that head. A lost race re-reads the head and tries again; after
// MaxAttempts the error wraps both ErrUnavailable and ErrConflict. Nothing is
// visible outside the store before the conditional write commits, so retries
// never duplicate a record.
func (a *Appender) Append(ctx context.Context, chainID string, payload Payload) (*Record, error) {
	ctx, span := tracer.Start(ctx, "ledger.Append",
		trace.WithAttributes(attribute.String("ledger.chain_id", chainID)))
	defer span.End()

	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}
	if payload.Kind == "" || len(payload.Canonical) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := a.tryAppend(ctx, chainID, payload)
		if err == nil {
			span.SetAttributes(
				attribute.Int64("ledger.sequence", int64(rec.Sequence)),
				attribute.Int("ledger.attempts", attempt),
			)
			a.logger.Debug("ledger record appended",
				zap.String("chain_id", rec.ChainID),
				zap.String("sequence_key", rec.SequenceKey()),
				zap.String("record_id", rec.ID),
				zap.Int("attempt", attempt),
			)
			return rec, nil
		}
		if !errors.Is(err, ErrConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "append failed")
			return nil, err
		}

		if a.onConflict != nil {
			a.onConflict(chainID)
		}
		a.logger.Debug("ledger append lost race, re-reading head",
			zap.String("chain_id", chainID),
			zap.Int("attempt", attempt),
		)
		if attempt < a.cfg.MaxAttempts {
			if err := a.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	err := fmt.Errorf("%w: chain %s still contended after %d attempts: %w",
		ErrUnavailable, chainID, a.cfg.MaxAttempts, ErrConflict)
	span.RecordError(err)
	span.SetStatus(codes.Error, "append contended")
	return nil, err
}

func (a *Appender) tryAppend(ctx context.Context, chainID string, payload Payload) (*Record, error) {
	previous := GenesisHash
	seq := uint64(1)

	head, err := a.reader.Head(ctx, chainID)
	switch {
	case err == nil:
		if head.Hash == "" {
			return nil, fmt.Errorf("%w: head %s of chain %s has no hash", ErrCorruptRecord, head.ID, chainID)
		}
		previous = head.Hash
		seq = head.Sequence + 1
	case errors.Is(err, ErrNotFound):
		// empty chain: genesis
	default:
		return nil, fmt.Errorf("read head: %w", err)
	}

	hash, err := ChainHash(previous, payload.Canonical)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:           a.newID(),
		ChainID:      chainID,
		Sequence:     seq,
		Timestamp:    a.now().UTC().Truncate(time.Microsecond),
		Kind:         payload.Kind,
		Data:         json.RawMessage(append([]byte(nil), payload.Canonical...)),
		Hash:         hash,
		PreviousHash: previous,
	}
	if err := a.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("put record: %w", err)
	}
	return rec, nil
}

// sleep waits attempt*Backoff plus up to one Backoff of jitter.
func (a *Appender) sleep(ctx context.Context, attempt int) error {
	base := a.cfg.Backoff * time.Duration(attempt)
	d := base + time.Duration(rand.Int64N(int64(a.cfg.Backoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
