package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

// EventIngestor is satisfied by *ingest.Ingestor.
type EventIngestor interface {
	HandleS3Event(ctx context.Context, body []byte) ([]*ledger.Record, error)
}

// IngestHandler accepts object-created notifications.
type IngestHandler struct {
	ingestor EventIngestor
	tokens   *auth.TokenIssuer
	logger   *zap.Logger
}

// NewIngestHandler creates an IngestHandler.
func NewIngestHandler(in EventIngestor, tokens *auth.TokenIssuer, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{ingestor: in, tokens: tokens, logger: logger}
}

// Register mounts POST /ingest/s3.
func (h *IngestHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/ingest/s3", auth.RequireScope(h.tokens, auth.ScopeAppend), h.S3Event)
}

// S3Event handles POST /ingest/s3. When a later record fails, the records
// already committed are returned with the error.
func (h *IngestHandler) S3Event(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "failed to read request body"})
		return
	}

	recs, err := h.ingestor.HandleS3Event(c.Request.Context(), body)
	for _, rec := range recs {
		RecordAppend(rec.Kind)
	}
	if recs == nil {
		recs = []*ledger.Record{}
	}
	if err != nil {
		writeError(c, h.logger, "ingest s3 event", err, gin.H{"records": recs})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": recs, "count": len(recs)})
}
