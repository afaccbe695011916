package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PayloadKind tags how a payload entered the ledger.
type PayloadKind string

const (
	// PayloadStructured is a JSON object or array supplied by the caller.
	PayloadStructured PayloadKind = "structured"
	// PayloadOpaque is the metadata wrapper recorded for non-JSON input.
	PayloadOpaque PayloadKind = "opaque"
)

// OpaqueMetadata describes input that could not be parsed as structured data.
// The wrapper itself is the hashed payload.
type OpaqueMetadata struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Payload is the canonical form of a record's data, decided once at ingest.
type Payload struct {
	Kind      PayloadKind
	Canonical []byte
}

// StructuredPayload canonicalizes raw JSON. Only objects and arrays are accepted.
func StructuredPayload(raw []byte) (Payload, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return Payload{}, err
	}
	if len(canonical) == 0 || (canonical[0] != '{' && canonical[0] != '[') {
		return Payload{}, fmt.Errorf("%w: structured payload must be a JSON object or array", ErrInvalidPayload)
	}
	return Payload{Kind: PayloadStructured, Canonical: canonical}, nil
}

// StructuredValue marshals v and canonicalizes it as a structured payload.
func StructuredValue(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: marshal: %v", ErrInvalidPayload, err)
	}
	return StructuredPayload(data)
}

// OpaquePayload wraps non-structured input metadata as a payload.
func OpaquePayload(meta OpaqueMetadata) (Payload, error) {
	canonical, err := CanonicalJSON(meta)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Kind: PayloadOpaque, Canonical: canonical}, nil
}

// Record is a single committed entry of a chain. Records are immutable once
// written.
type Record struct {
	ID           string
	ChainID      string
	Sequence     uint64
	Timestamp    time.Time
	Kind         PayloadKind
	Data         json.RawMessage
	Hash         string
	PreviousHash string
}

// SequenceKey returns the lexicographically sortable position of the record.
func (r *Record) SequenceKey() string {
	return FormatSequenceKey(r.Sequence)
}

// IsGenesis reports whether r is the first record of its chain.
func (r *Record) IsGenesis() bool {
	return r.PreviousHash == GenesisHash
}

// FormatSequenceKey renders a chain position as a 20-digit zero-padded string,
// so byte order equals numeric order.
func FormatSequenceKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// ParseSequenceKey is the inverse of FormatSequenceKey.
func ParseSequenceKey(key string) (uint64, error) {
	seq, err := strconv.ParseUint(key, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence key %q: %w", key, err)
	}
	return seq, nil
}

// wireRecord is the persisted and transmitted shape of a Record.
type wireRecord struct {
	ID           string          `json:"id"`
	ChainID      string          `json:"chain_id"`
	SequenceKey  string          `json:"sequence_key"`
	Timestamp    time.Time       `json:"timestamp"`
	Kind         PayloadKind     `json:"data_kind,omitempty"`
	Data         json.RawMessage `json:"data"`
	Hash         string          `json:"hash"`
	PreviousHash *string         `json:"previous_hash"`
}

// MarshalJSON writes the wire shape; the genesis previous hash is emitted as null.
func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		ID:          r.ID,
		ChainID:     r.ChainID,
		SequenceKey: r.SequenceKey(),
		Timestamp:   r.Timestamp,
		Kind:        r.Kind,
		Data:        r.Data,
		Hash:        r.Hash,
	}
	if r.PreviousHash != GenesisHash {
		prev := r.PreviousHash
		w.PreviousHash = &prev
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the wire shape. A null or absent previous_hash decodes to
// GenesisHash; an empty string is kept as-is so verification can flag it.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	seq, err := ParseSequenceKey(w.SequenceKey)
	if err != nil {
		return err
	}
	*r = Record{
		ID:           w.ID,
		ChainID:      w.ChainID,
		Sequence:     seq,
		Timestamp:    w.Timestamp,
		Kind:         w.Kind,
		Data:         w.Data,
		Hash:         w.Hash,
		PreviousHash: GenesisHash,
	}
	if r.Kind == "" {
		r.Kind = PayloadStructured
	}
	if w.PreviousHash != nil {
		r.PreviousHash = *w.PreviousHash
	}
	return nil
}

// EncodeRecord returns the wire JSON for r.
func EncodeRecord(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses wire JSON. Failures are reported as ErrCorruptRecord.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(bytes.TrimSpace(data), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return &r, nil
}
