package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/queue"
)

const (
	// WebhookSecretHeader carries the shared storage event secret
	WebhookSecretHeader = "X-Webhook-Secret"

	maxEventBodyBytes = 1 << 20
)

// s3Event is the subset of an S3 event notification the platform reads
type s3Event struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// StorageEventHandler turns object-created notifications from the staging
// bucket into model:staged tasks
type StorageEventHandler struct {
	secret []byte
	staged StagedEnqueuer
}

// NewStorageEventHandler creates a StorageEventHandler
func NewStorageEventHandler(secret string, staged StagedEnqueuer) *StorageEventHandler {
	return &StorageEventHandler{secret: []byte(secret), staged: staged}
}

// @Summary      Receive storage events
// @Description  Accepts S3 event notifications for the staging bucket. Every ObjectCreated record is queued for processing; other events are ignored.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        X-Webhook-Secret  header  string  true  "Shared secret"
// @Success      202  {object}  map[string]interface{}  "queued: number of objects queued"
// @Failure      400  {object}  map[string]interface{}  "Malformed payload"
// @Failure      401  {object}  map[string]interface{}  "Secret mismatch"
// @Failure      500  {object}  map[string]interface{}  "Failed to queue an object"
// @Router       /webhooks/storage-events [post]
func (h *StorageEventHandler) HandleEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(WebhookSecretHeader))
		if subtle.ConstantTimeCompare(got, h.secret) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read payload"})
			return
		}
		var event s3Event
		if err := json.Unmarshal(body, &event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
			return
		}

		log := middleware.Logger(c)
		queued := 0
		for _, rec := range event.Records {
			if !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
				continue
			}
			// S3 form-encodes object keys in notifications
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				log.Warn("skipping undecodable object key", "key", rec.S3.Object.Key, "error", err)
				continue
			}
			p := queue.StagedObjectPayload{Bucket: rec.S3.Bucket.Name, Key: key}
			if err := h.staged.EnqueueStagedObject(c.Request.Context(), p); err != nil {
				log.Error("failed to queue staged object", "bucket", p.Bucket, "key", p.Key, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue staged object"})
				return
			}
			queued++
		}

		log.Info("storage events received", "records", len(event.Records), "queued", queued)
		c.JSON(http.StatusAccepted, gin.H{"queued": queued})
	}
}
