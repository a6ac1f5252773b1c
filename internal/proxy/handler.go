package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries a model API key
const APIKeyHeader = "api-key"

var errResourceMissing = gin.H{"error": "resource does not exist"}

// Handler serves POST /:username/:model_name
type Handler struct {
	svc          *Service
	maxBodyBytes int64
}

// NewHandler creates a Handler
func NewHandler(svc *Service, maxBodyBytes int64) *Handler {
	return &Handler{svc: svc, maxBodyBytes: maxBodyBytes}
}

// NewRouter builds the proxy's own engine. Any path that is not exactly
// /{username}/{model_name} is a 404.
func NewRouter(h *Handler, middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false
	r.Use(gin.Recovery())
	r.Use(middleware...)

	r.POST("/:username/:model_name", h.Invoke)
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errResourceMissing)
	})
	return r
}

// parsePayload extracts the model payload from a request body. The
// documented form is {"payload": ...}; any other JSON value is the payload.
func parsePayload(body []byte) (json.RawMessage, bool) {
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return nil, false
	}
	if body[0] == '{' {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(body, &env); err == nil {
			if p, ok := env["payload"]; ok {
				return p, true
			}
		}
	}
	return json.RawMessage(body), true
}

// Invoke handles a model invocation
// POST /:username/:model_name
func (h *Handler) Invoke(c *gin.Context) {
	reader := c.Request.Body
	if h.maxBodyBytes > 0 {
		reader = http.MaxBytesReader(c.Writer, reader, h.maxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}
	payload, ok := parsePayload(body)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Error parsing payload. Please make sure that the request body is a JSON string."})
		return
	}

	out := h.svc.Invoke(c.Request.Context(), Invocation{
		Username:  c.Param("username"),
		ModelName: c.Param("model_name"),
		APIKey:    c.GetHeader(APIKeyHeader),
		Payload:   payload,
	})
	if out.Status != http.StatusOK {
		c.JSON(out.Status, gin.H{"error": out.Error})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out.Output})
}
