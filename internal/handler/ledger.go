package handler

import (
	"context"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/auth"
	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

// Ledger is the service surface the HTTP layer needs, satisfied by *ledger.Ledger.
type Ledger interface {
	Append(ctx context.Context, chainID string, payload ledger.Payload) (*ledger.Record, error)
	Head(ctx context.Context, chainID string) (*ledger.Record, error)
	Records(ctx context.Context, chainID string, after uint64, limit int) ([]*ledger.Record, error)
	Verify(ctx context.Context, chainID string) (*ledger.Result, error)
	Chains(ctx context.Context) ([]string, error)
}

// defaultRecordsLimit is used when ?limit is absent.
const defaultRecordsLimit = 100

// LedgerHandler exposes the chain endpoints.
type LedgerHandler struct {
	ledger Ledger
	tokens *auth.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. tokens may be nil to leave every
// route open.
func NewLedgerHandler(l Ledger, tokens *auth.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	read := auth.RequireScope(h.tokens, auth.ScopeRead)
	write := auth.RequireScope(h.tokens, auth.ScopeAppend)

	ch := rg.Group("/chains")
	{
		ch.GET("", read, h.ListChains)
		ch.POST("/:chain/records", write, h.Append)
		ch.GET("/:chain/records", read, h.ListRecords)
		ch.GET("/:chain/head", read, h.Head)
		ch.GET("/:chain/verify", read, h.Verify)
	}
	rg.POST("/audits/:chain/verify", read, h.Verify)
}

// ListChains handles GET /chains.
func (h *LedgerHandler) ListChains(c *gin.Context) {
	ids, err := h.ledger.Chains(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "list chains", err, nil)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"chains": ids, "count": len(ids)})
}

// Append handles POST /chains/:chain/records. The body is classified as a
// structured or opaque payload; ?filename names opaque uploads.
func (h *LedgerHandler) Append(c *gin.Context) {
	chainID := c.Param("chain")
	if err := ledger.ValidateChainID(chainID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "failed to read request body"})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is required"})
		return
	}

	filename := path.Base(c.Query("filename"))
	if filename == "." || filename == "/" {
		filename = ""
	}
	payload, err := ingest.Classify(body, c.GetHeader("Content-Type"), filename)
	if err != nil {
		writeError(c, h.logger, "classify payload", err, nil)
		return
	}

	rec, err := h.ledger.Append(c.Request.Context(), chainID, payload)
	if err != nil {
		writeError(c, h.logger, "append record", err, gin.H{"chain_id": chainID})
		return
	}
	RecordAppend(rec.Kind)

	h.logger.Info("audit record created",
		zap.String("chain_id", chainID),
		zap.String("record_id", rec.ID),
		zap.String("sequence_key", rec.SequenceKey()),
		zap.String("data_kind", string(rec.Kind)),
	)
	c.JSON(http.StatusCreated, rec)
}

// ListRecords handles GET /chains/:chain/records?after=&limit=.
func (h *LedgerHandler) ListRecords(c *gin.Context) {
	chainID := c.Param("chain")

	var after uint64
	if s := c.Query("after"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = v
	}
	limit := defaultRecordsLimit
	if s := c.Query("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 || v > ledger.MaxListLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be between 1 and " + strconv.Itoa(ledger.MaxListLimit),
			})
			return
		}
		limit = v
	}

	recs, err := h.ledger.Records(c.Request.Context(), chainID, after, limit)
	if err != nil {
		writeError(c, h.logger, "list records", err, gin.H{"chain_id": chainID})
		return
	}
	if recs == nil {
		recs = []*ledger.Record{}
	}

	resp := gin.H{"chain_id": chainID, "records": recs, "count": len(recs)}
	if len(recs) == limit {
		resp["next_after"] = recs[len(recs)-1].Sequence
	}
	c.JSON(http.StatusOK, resp)
}

// Head handles GET /chains/:chain/head.
func (h *LedgerHandler) Head(c *gin.Context) {
	chainID := c.Param("chain")
	rec, err := h.ledger.Head(c.Request.Context(), chainID)
	if err != nil {
		writeError(c, h.logger, "read head", err, gin.H{"chain_id": chainID})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Verify handles GET /chains/:chain/verify and POST /audits/:chain/verify.
// A chain that fails verification is still a 200 with verified=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	chainID := c.Param("chain")
	res, err := h.ledger.Verify(c.Request.Context(), chainID)
	if err != nil {
		writeError(c, h.logger, "verify chain", err, gin.H{"chain_id": chainID, "verified": false})
		return
	}

	RecordVerification(res)
	if !res.Verified {
		h.logger.Warn("chain failed verification",
			zap.String("chain_id", chainID),
			zap.String("reason", string(res.Failure.Reason)),
			zap.String("error", res.Error),
		)
	}
	c.JSON(http.StatusOK, res)
}
