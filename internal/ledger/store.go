package ledger

import (
	"context"
	"fmt"
	"regexp"
)

// Store is the persistence boundary of the ledger. Implementations must be
// write-once: committed records are never modified or deleted.
type Store interface {
	// Put commits rec only if its chain holds no record at rec.Sequence and no
	// record whose PreviousHash equals rec.PreviousHash. A lost race returns
	// ErrConflict and leaves no partial state behind.
	Put(ctx context.Context, rec *Record) error

	// List returns up to limit records of chainID with Sequence > after,
	// ordered by Sequence ascending.
	List(ctx context.Context, chainID string, after uint64, limit int) ([]*Record, error)

	// Chains returns every chain identifier that holds at least one record.
	Chains(ctx context.Context) ([]string, error)
}

// HeadFinder is implemented by stores that can locate a chain head without
// scanning. Head returns ErrNotFound for an empty chain.
type HeadFinder interface {
	Head(ctx context.Context, chainID string) (*Record, error)
}

// DefaultPageSize bounds List calls made by the reader and verifier.
const DefaultPageSize = 500

var chainIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateChainID rejects identifiers that are empty, longer than 128 bytes,
// or contain characters outside [A-Za-z0-9._-].
func ValidateChainID(chainID string) error {
	if !chainIDPattern.MatchString(chainID) {
		return fmt.Errorf("%w: %q", ErrInvalidChainID, chainID)
	}
	return nil
}
