package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/queue"
	"github.com/neurodeploy/platform/internal/storage"
	"github.com/neurodeploy/platform/internal/storage/local"
)

// FileHandlers serves the signed links the local storage backend hands out
// in place of presigned URLs
type FileHandlers struct {
	buckets map[string]*local.Store
	staging string
	staged  StagedEnqueuer
}

// NewFileHandlers indexes the local stores among stores by bucket
func NewFileHandlers(stores *storage.Stores, staged StagedEnqueuer) *FileHandlers {
	h := &FileHandlers{buckets: make(map[string]*local.Store), staged: staged}
	if stores == nil {
		return h
	}
	for _, s := range []storage.ObjectStore{stores.Models, stores.Staging, stores.Logs} {
		if ls, ok := s.(*local.Store); ok {
			h.buckets[ls.Bucket()] = ls
		}
	}
	if stores.Staging != nil {
		h.staging = stores.Staging.Bucket()
	}
	return h
}

// Enabled reports whether any store is served by the files route
func (h *FileHandlers) Enabled() bool {
	return len(h.buckets) > 0
}

// authorize resolves the store and key of a signed request, writing the
// error response when the link is not valid
func (h *FileHandlers) authorize(c *gin.Context) (*local.Store, string, bool) {
	store, ok := h.buckets[c.Param("bucket")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource does not exist"})
		return nil, "", false
	}
	key := strings.TrimPrefix(c.Param("key"), "/")
	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signed URL"})
		return nil, "", false
	}
	if err := store.VerifyURL(c.Request.Method, key, expires, c.Query("signature")); err != nil {
		msg := "invalid signed URL"
		if errors.Is(err, local.ErrURLExpired) {
			msg = "signed URL expired"
		}
		c.JSON(http.StatusForbidden, gin.H{"error": msg})
		return nil, "", false
	}
	return store, key, true
}

// Download serves GET /v1/files/:bucket/*key
func (h *FileHandlers) Download() gin.HandlerFunc {
	return func(c *gin.Context) {
		store, key, ok := h.authorize(c)
		if !ok {
			return
		}
		info, err := store.Head(c.Request.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		if err != nil {
			middleware.Logger(c).Error("failed to stat object", "bucket", store.Bucket(), "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read object"})
			return
		}
		r, err := store.Get(c.Request.Context(), key)
		if err != nil {
			middleware.Logger(c).Error("failed to open object", "bucket", store.Bucket(), "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read object"})
			return
		}
		defer r.Close()

		contentType := info.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.DataFromReader(http.StatusOK, info.Size, contentType, r, nil)
	}
}

// Upload serves PUT /v1/files/:bucket/*key. Uploads to the staging bucket
// are queued for processing like a storage event.
func (h *FileHandlers) Upload() gin.HandlerFunc {
	return func(c *gin.Context) {
		store, key, ok := h.authorize(c)
		if !ok {
			return
		}
		log := middleware.Logger(c)
		if err := store.Put(c.Request.Context(), key, c.Request.Body, c.Request.ContentLength, c.ContentType()); err != nil {
			log.Error("failed to store object", "bucket", store.Bucket(), "key", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store object"})
			return
		}

		if store.Bucket() == h.staging && h.staged != nil {
			p := queue.StagedObjectPayload{Bucket: store.Bucket(), Key: key}
			if err := h.staged.EnqueueStagedObject(c.Request.Context(), p); err != nil {
				log.Error("failed to queue staged object", "bucket", p.Bucket, "key", p.Key, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue staged object"})
				return
			}
		}
		c.Status(http.StatusOK)
	}
}
