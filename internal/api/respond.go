package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/middleware"
)

// respondError writes err as {"error": msg}, or {"errors": [...]} for
// collected validation errors. Causes are logged, never returned.
func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		middleware.Logger(c).Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	if apperr.Is(err, apperr.KindValidation) {
		if details := apperr.Details(err); len(details) > 1 {
			c.JSON(status, gin.H{"errors": details})
			return
		}
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

// optionalString returns nil for an empty value
func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// queryBool parses a boolean query parameter, falling back to def when the
// parameter is absent
func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, apperr.Validation("Invalid " + name + ": must be true or false.")
	}
	return v, nil
}

// queryInt parses an integer query parameter, falling back to def when the
// parameter is absent
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("Invalid " + name + ": must be an integer.")
	}
	return v, nil
}
