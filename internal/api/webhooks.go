package api

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	maxWebhookBody  = 1 << 20
	webhookDedupTTL = 24 * time.Hour
)

// carrierTrackingWebhook accepts a carrier push, drops exact redeliveries and
// queues the snapshot for the tracking worker
func (h *Handler) carrierTrackingWebhook(c *gin.Context) {
	if h.deps.Webhooks == nil || h.deps.Tracking == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Tracking webhooks are not enabled"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "Failed to read webhook body", err)
		return
	}

	snapshot, err := h.deps.Webhooks.ParseTrackingWebhook(body)
	if err != nil {
		badRequest(c, "Invalid tracking webhook", err)
		return
	}

	ctx := c.Request.Context()
	sum := sha256.Sum256(body)
	key := "webhook:tracking:" + hex.EncodeToString(sum[:])

	claimed := false
	if h.deps.Idempotency != nil {
		fresh, err := h.deps.Idempotency.SetIdempotencyKey(ctx, key, snapshot.TrackingNumber, webhookDedupTTL)
		switch {
		case err != nil:
			// dedup is best effort, the tracking consumer tolerates repeats
			h.logger.Warn("Webhook dedup unavailable",
				zap.String("tracking_number", snapshot.TrackingNumber),
				zap.Error(err))
		case !fresh:
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		default:
			claimed = true
		}
	}

	eventID, err := h.deps.Tracking.PublishTrackingUpdate(ctx, snapshot)
	if err != nil {
		if claimed {
			if clearErr := h.deps.Idempotency.ClearIdempotencyKey(ctx, key); clearErr != nil {
				h.logger.Warn("Failed to clear webhook dedup key", zap.Error(clearErr))
			}
		}
		h.logger.Error("Failed to queue tracking update",
			zap.String("tracking_number", snapshot.TrackingNumber),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "Failed to queue tracking update",
			"retryable": true,
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "accepted",
		"event_id": eventID,
	})
}
