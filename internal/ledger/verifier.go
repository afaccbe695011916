package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// FailureReason classifies a negative verification outcome.
type FailureReason string

const (
	ReasonNotFound        FailureReason = "not_found"
	ReasonSequenceGap     FailureReason = "sequence_gap"
	ReasonChainBroken     FailureReason = "chain_broken"
	ReasonMalformedRecord FailureReason = "malformed_record"
	ReasonHashMismatch    FailureReason = "hash_mismatch"
)

// Failure pinpoints the first record that does not check out. Position is the
// zero-based index in ascending sequence order; every record before it verified.
type Failure struct {
	Reason      FailureReason `json:"reason"`
	Position    int           `json:"position"`
	RecordID    string        `json:"record_id,omitempty"`
	SequenceKey string        `json:"sequence_key,omitempty"`
	Expected    string        `json:"expected,omitempty"`
	Actual      string        `json:"actual,omitempty"`
}

// Message renders the failure for humans.
func (f *Failure) Message(chainID string) string {
	switch f.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("no audit records found for chain %s", chainID)
	case ReasonSequenceGap:
		return fmt.Sprintf("sequence gap at record %s: expected sequence %s, got %s",
			f.RecordID, f.Expected, f.Actual)
	case ReasonChainBroken:
		return fmt.Sprintf("chain broken at record %s (sequence %s): expected previous hash %s, got %s",
			f.RecordID, f.SequenceKey, f.Expected, f.Actual)
	case ReasonMalformedRecord:
		if f.RecordID == "" {
			return fmt.Sprintf("malformed record at sequence %s: %s", f.SequenceKey, f.Actual)
		}
		return fmt.Sprintf("malformed record %s (sequence %s): %s", f.RecordID, f.SequenceKey, f.Actual)
	case ReasonHashMismatch:
		return fmt.Sprintf("hash mismatch at record %s (sequence %s): stored %s, calculated %s",
			f.RecordID, f.SequenceKey, f.Expected, f.Actual)
	default:
		return string(f.Reason)
	}
}

// VerifiedRecord is the summary of one record that passed verification.
type VerifiedRecord struct {
	RecordID    string    `json:"record_id"`
	SequenceKey string    `json:"sequence_key"`
	Timestamp   time.Time `json:"timestamp"`
	Hash        string    `json:"hash"`
}

// Result is the outcome of verifying one chain. A negative outcome is a normal
// value, not an error.
type Result struct {
	Verified    bool             `json:"verified"`
	ChainID     string           `json:"chain_id"`
	RecordCount int              `json:"record_count,omitempty"`
	Records     []VerifiedRecord `json:"records,omitempty"`
	Head        string           `json:"head,omitempty"`
	Failure     *Failure         `json:"failure,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Verifier replays chains and certifies or refutes their integrity. It only
// reads from the store and takes no locks; concurrent appends simply extend
// the chain past the prefix it observed.
type Verifier struct {
	store    Store
	pageSize int
}

// NewVerifier creates a Verifier over store. pageSize <= 0 selects DefaultPageSize.
func NewVerifier(store Store, pageSize int) *Verifier {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Verifier{store: store, pageSize: pageSize}
}

// Verify recomputes every hash of chainID from the genesis sentinel onward.
// The returned error is reserved for backend failures.
func (v *Verifier) Verify(ctx context.Context, chainID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ledger.Verify",
		trace.WithAttributes(attribute.String("ledger.chain_id", chainID)))
	defer span.End()

	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}

	res := &Result{ChainID: chainID}
	expectedPrev := GenesisHash
	expectedSeq := uint64(1)
	var after uint64

	for {
		page, err := v.store.List(ctx, chainID, after, v.pageSize)
		if errors.Is(err, ErrCorruptRecord) {
			f := &Failure{
				Reason:      ReasonMalformedRecord,
				Position:    len(res.Records),
				SequenceKey: FormatSequenceKey(expectedSeq),
				Actual:      err.Error(),
			}
			span.SetAttributes(attribute.String("ledger.failure", string(f.Reason)))
			return failed(res, f), nil
		}
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("list chain %s: %w", chainID, err)
		}

		for _, rec := range page {
			if f := checkRecord(rec, chainID, len(res.Records), expectedSeq, expectedPrev); f != nil {
				span.SetAttributes(attribute.String("ledger.failure", string(f.Reason)))
				return failed(res, f), nil
			}
			res.Records = append(res.Records, VerifiedRecord{
				RecordID:    rec.ID,
				SequenceKey: rec.SequenceKey(),
				Timestamp:   rec.Timestamp,
				Hash:        rec.Hash,
			})
			expectedPrev = rec.Hash
			expectedSeq++
		}

		if len(page) < v.pageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}

	if len(res.Records) == 0 {
		return failed(res, &Failure{Reason: ReasonNotFound}), nil
	}

	res.Verified = true
	res.RecordCount = len(res.Records)
	res.Head = expectedPrev
	span.SetAttributes(attribute.Int("ledger.record_count", res.RecordCount))
	return res, nil
}

func failed(res *Result, f *Failure) *Result {
	res.Verified = false
	res.Failure = f
	res.Error = f.Message(res.ChainID)
	res.Records = nil
	res.RecordCount = 0
	return res
}

func checkRecord(rec *Record, chainID string, pos int, expectedSeq uint64, expectedPrev string) *Failure {
	f := &Failure{Position: pos}
	if rec == nil {
		f.Reason = ReasonMalformedRecord
		f.Actual = "missing record"
		return f
	}
	f.RecordID = rec.ID
	f.SequenceKey = rec.SequenceKey()

	if rec.ChainID != chainID {
		f.Reason = ReasonMalformedRecord
		f.Actual = fmt.Sprintf("record belongs to chain %q", rec.ChainID)
		return f
	}
	if rec.Sequence != expectedSeq {
		f.Reason = ReasonSequenceGap
		f.Expected = FormatSequenceKey(expectedSeq)
		f.Actual = rec.SequenceKey()
		return f
	}
	if rec.PreviousHash != expectedPrev {
		f.Reason = ReasonChainBroken
		f.Expected = expectedPrev
		f.Actual = rec.PreviousHash
		return f
	}

	canonical, err := Canonicalize(rec.Data)
	if err != nil {
		f.Reason = ReasonMalformedRecord
		f.Actual = err.Error()
		return f
	}
	calculated, err := ChainHash(expectedPrev, canonical)
	if err != nil {
		f.Reason = ReasonMalformedRecord
		f.Actual = err.Error()
		return f
	}
	if calculated != rec.Hash {
		f.Reason = ReasonHashMismatch
		f.Expected = rec.Hash
		f.Actual = calculated
		return f
	}
	return nil
}
