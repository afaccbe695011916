package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/ingest"
	"github.com/jmerrifield20/AuditLedger/internal/ledger"
	"go.uber.org/zap"
)

// statusFor maps a ledger error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidChainID),
		errors.Is(err, ledger.ErrInvalidPayload),
		errors.Is(err, ingest.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a JSON error body. Internal errors are logged and
// replaced by a generic message.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error, extra gin.H) {
	status := statusFor(err)
	body := gin.H{}
	for k, v := range extra {
		body[k] = v
	}

	switch status {
	case http.StatusInternalServerError:
		logger.Error(op, zap.Error(err))
		body["error"] = "internal error"
	case http.StatusServiceUnavailable:
		logger.Warn(op, zap.Error(err))
		c.Header("Retry-After", "1")
		body["error"] = "ledger temporarily unavailable, retry"
	default:
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}
