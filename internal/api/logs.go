package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/services"
)

// LogHandlers serves a model's usage log
type LogHandlers struct {
	usage UsageLog
}

// NewLogHandlers creates LogHandlers
func NewLogHandlers(usage UsageLog) *LogHandlers {
	return &LogHandlers{usage: usage}
}

// listParams reads the list query. An unparsable limit falls back to the
// default page size and any inclusive value other than "false" includes the
// start record, matching the clients already in use.
func listParams(c *gin.Context) services.ListParams {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return services.ListParams{
		Limit:     limit,
		Order:     strings.ToLower(c.Query("sort-by")),
		StartFrom: c.Query("start-from"),
		Inclusive: !strings.EqualFold(c.Query("inclusive"), "false"),
		NextToken: c.Query("next-token"),
	}
}

// @Summary      List usage logs
// @Description  Returns one page of a model's invocations. next_token is null on the last page.
// @Tags         Logs
// @Security     Bearer
// @Produce      json
// @Param        model_name  path   string  true   "Model name"
// @Param        limit       query  int     false  "Page size 1-99 (default 10)"
// @Param        sort-by     query  string  false  "asc (default) or desc"
// @Param        start-from  query  string  false  "Timestamp 2006-01-02T15:04:05.000000"
// @Param        inclusive   query  bool    false  "Include a record stamped exactly start-from (default true)"
// @Param        next-token  query  string  false  "Token of the previous page; overrides the other parameters"
// @Success      200  {object}  services.LogPage
// @Failure      400  {object}  map[string]interface{}  "Invalid start-from or next-token"
// @Router       /ml-models/{model_name}/logs [get]
func (h *LogHandlers) ListLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, err := h.usage.List(c.Request.Context(), middleware.Username(c), c.Param("model_name"), listParams(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// @Summary      Get usage log
// @Description  Returns one invocation with a short-lived download link of its full archive.
// @Tags         Logs
// @Security     Bearer
// @Produce      json
// @Param        model_name  path  string  true  "Model name"
// @Param        timestamp   path  string  true  "Timestamp 2006-01-02T15:04:05.000000"
// @Success      200  {object}  services.LogEntry
// @Failure      404  {object}  map[string]interface{}  "No log for the timestamp"
// @Router       /ml-models/{model_name}/logs/{timestamp} [get]
func (h *LogHandlers) GetLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.usage.Get(c.Request.Context(), middleware.Username(c), c.Param("model_name"), c.Param("timestamp"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}
