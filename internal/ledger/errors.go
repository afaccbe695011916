package ledger

import "errors"

var (
	// ErrNotFound is returned when a chain has no records or a record does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrConflict is returned by a Store when a conditional write loses the race:
	// the chain already holds a record at the same sequence or with the same
	// previous hash.
	ErrConflict = errors.New("ledger: conflicting append")

	// ErrUnavailable marks transient failures the caller may retry.
	ErrUnavailable = errors.New("ledger: backend unavailable")

	// ErrCorruptRecord is returned when a stored record cannot be decoded or
	// does not belong to the chain it was read from.
	ErrCorruptRecord = errors.New("ledger: malformed stored record")

	// ErrInvalidChainID is returned for empty or malformed chain identifiers.
	ErrInvalidChainID = errors.New("ledger: invalid chain id")

	// ErrMissingPreviousHash is returned by ChainHash when no previous hash is
	// supplied. Genesis records must pass GenesisHash explicitly.
	ErrMissingPreviousHash = errors.New("ledger: previous hash is required")

	// ErrInvalidPayload is returned when a payload cannot be canonicalized.
	ErrInvalidPayload = errors.New("ledger: invalid payload")
)
