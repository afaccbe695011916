// Package ingest turns external deliveries (object-created notifications and
// raw uploads) into ledger payloads and appends them.
package ingest

import (
	"context"
	"fmt"
	"mime"
	"strings"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

const defaultContentType = "application/octet-stream"

// Classify decides once how body enters the ledger. A JSON object or array
// becomes a structured payload; anything else is recorded as opaque metadata
// describing the input.
func Classify(body []byte, contentType, filename string) (ledger.Payload, error) {
	if looksStructured(contentType) {
		if p, err := ledger.StructuredPayload(body); err == nil {
			return p, nil
		}
	}

	ct := strings.TrimSpace(contentType)
	if ct == "" {
		ct = defaultContentType
	}
	return ledger.OpaquePayload(ledger.OpaqueMetadata{
		Filename:    filename,
		ContentType: ct,
		Size:        int64(len(body)),
	})
}

// looksStructured reports whether a body with this content type may be
// parsed as JSON. An absent type is sniffed.
func looksStructured(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json") || mt == "text/json"
}

// Appender is the subset of the ledger used by the Ingestor.
type Appender interface {
	Append(ctx context.Context, chainID string, payload ledger.Payload) (*ledger.Record, error)
}

// Ingestor appends one audit record per object event.
type Ingestor struct {
	ledger Appender
	logger *zap.Logger
}

// NewIngestor creates an Ingestor writing through l.
func NewIngestor(l Appender, logger *zap.Logger) *Ingestor {
	return &Ingestor{ledger: l, logger: logger}
}

// pendingRecord is one validated event ready to append.
type pendingRecord struct {
	chainID string
	data    AuditData
	payload ledger.Payload
}

// HandleS3Event appends every record of the notification in order. Every
// record's chain and payload are validated before the first append, so bad
// input commits nothing. A backend failure mid-way returns the records
// committed so far along with the error.
func (i *Ingestor) HandleS3Event(ctx context.Context, body []byte) ([]*ledger.Record, error) {
	evt, err := ParseS3Event(body)
	if err != nil {
		return nil, err
	}

	pending := make([]pendingRecord, 0, len(evt.Records))
	for _, r := range evt.Records {
		data := r.AuditData()
		chainID := ChainIDFromKey(data.SourceKey)
		if err := ledger.ValidateChainID(chainID); err != nil {
			return nil, fmt.Errorf("object %s/%s: %w", data.SourceBucket, data.SourceKey, err)
		}
		payload, err := ledger.StructuredValue(data)
		if err != nil {
			return nil, fmt.Errorf("object %s/%s: %w", data.SourceBucket, data.SourceKey, err)
		}
		pending = append(pending, pendingRecord{chainID: chainID, data: data, payload: payload})
	}

	committed := make([]*ledger.Record, 0, len(pending))
	for _, p := range pending {
		rec, err := i.ledger.Append(ctx, p.chainID, p.payload)
		if err != nil {
			return committed, fmt.Errorf("append %s/%s to %s: %w", p.data.SourceBucket, p.data.SourceKey, p.chainID, err)
		}

		i.logger.Info("audit record created",
			zap.String("chain_id", p.chainID),
			zap.String("record_id", rec.ID),
			zap.String("sequence_key", rec.SequenceKey()),
			zap.String("source_key", p.data.SourceKey),
		)
		committed = append(committed, rec)
	}
	return committed, nil
}
