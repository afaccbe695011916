package ledger

import (
	"context"
	"fmt"
)

// Reader locates chain heads.
type Reader struct {
	store    Store
	pageSize int
}

// NewReader creates a Reader over store. pageSize <= 0 selects DefaultPageSize.
func NewReader(store Store, pageSize int) *Reader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Reader{store: store, pageSize: pageSize}
}

// Head returns the record with the greatest sequence in chainID, or
// ErrNotFound when the chain is empty.
func (r *Reader) Head(ctx context.Context, chainID string) (*Record, error) {
	if err := ValidateChainID(chainID); err != nil {
		return nil, err
	}

	if hf, ok := r.store.(HeadFinder); ok {
		head, err := hf.Head(ctx, chainID)
		if err != nil {
			return nil, err
		}
		if err := checkMembership(head, chainID); err != nil {
			return nil, err
		}
		return head, nil
	}

	// Fall back to paging through the chain, as an object listing would.
	var head *Record
	var after uint64
	for {
		page, err := r.store.List(ctx, chainID, after, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("list chain %s: %w", chainID, err)
		}
		for _, rec := range page {
			if err := checkMembership(rec, chainID); err != nil {
				return nil, err
			}
			if head == nil || rec.Sequence > head.Sequence {
				head = rec
			}
		}
		if len(page) < r.pageSize {
			break
		}
		next := page[len(page)-1].Sequence
		if next <= after {
			return nil, fmt.Errorf("%w: chain %s listing did not advance past sequence %d",
				ErrCorruptRecord, chainID, after)
		}
		after = next
	}

	if head == nil {
		return nil, ErrNotFound
	}
	return head, nil
}

func checkMembership(rec *Record, chainID string) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record in chain %s", ErrCorruptRecord, chainID)
	}
	if rec.ChainID != chainID {
		return fmt.Errorf("%w: record %s belongs to chain %q, read from %q",
			ErrCorruptRecord, rec.ID, rec.ChainID, chainID)
	}
	return nil
}
