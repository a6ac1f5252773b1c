// Package api implements the management HTTP surface: accounts and
// credentials, model registration, model API keys and the usage log, plus the
// storage event webhook and, for the local storage backend, the signed
// /v1/files route.
//
// Route groups:
//
//	public:        /health, /ready, /sign-up, /sign-in, /webhooks/*, /v1/files/*
//	authenticated: everything else, behind middleware.Auth
//
// The execution proxy has its own engine in internal/proxy.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/jobs"
	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/queue"
	"github.com/neurodeploy/platform/internal/safego"
	"github.com/neurodeploy/platform/internal/services"
	"github.com/neurodeploy/platform/internal/storage"
)

// Accounts is the account and credential surface of services.AccountService
type Accounts interface {
	SignUp(ctx context.Context, username, password, email string) (*services.SignUpResult, error)
	SignIn(ctx context.Context, username, password string) (*services.SignInResult, error)
	DeleteAccount(ctx context.Context, username string) (*services.AccountDeletion, error)
	CreateCredential(ctx context.Context, username, name string, description *string, expiresAfter time.Duration) (*services.IssuedCredential, error)
	ListCredentials(ctx context.Context, username string) ([]services.CredentialView, error)
	DeleteCredential(ctx context.Context, username, name string) error
}

// Models is the surface of services.Registry
type Models interface {
	RegisterModel(ctx context.Context, in services.RegisterModelInput) (*services.Registration, error)
	GetModel(ctx context.Context, username, modelName string) (*services.ModelView, error)
	ListModels(ctx context.Context, username string) ([]services.ModelView, error)
	DeleteModel(ctx context.Context, username, modelName string, deleteAPIKeys bool) (*services.ModelDeletion, error)
	IssueModelAPIKey(ctx context.Context, username, modelName string, description *string, expiresAfterMinutes int) (*services.IssuedModelAPIKey, error)
	ListModelAPIKeys(ctx context.Context, username, modelName string) ([]services.ModelAPIKeyView, error)
	RevokeModelAPIKey(ctx context.Context, username, id string) error
}

// UsageLog is the surface of services.UsageService
type UsageLog interface {
	Get(ctx context.Context, username, modelName, timestamp string) (*services.LogEntry, error)
	List(ctx context.Context, username, modelName string, p services.ListParams) (*services.LogPage, error)
}

// StagedEnqueuer schedules processing of an object uploaded to staging
type StagedEnqueuer interface {
	EnqueueStagedObject(ctx context.Context, p queue.StagedObjectPayload) error
}

// Pinger checks database connectivity; *sql.DB satisfies it
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the management router
type Deps struct {
	Config   *config.Config
	DB       Pinger
	Accounts Accounts
	Models   Models
	Usage    UsageLog
	Guard    middleware.Authorizer
	Users    middleware.AccountLookup
	Staged   StagedEnqueuer
	Stores   *storage.Stores
	// Reaper is started by NewRouter when set
	Reaper *jobs.Reaper
}

// BackgroundServices holds the goroutines started by NewRouter. The caller
// (cmd/server) calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	reaper       *jobs.Reaper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.reaper != nil {
		bg.reaper.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the management engine
func NewRouter(d Deps) (*gin.Engine, *BackgroundServices) {
	cfg := d.Config
	router := gin.New()
	bg := &BackgroundServices{}

	if d.Reaper != nil {
		bg.reaper = d.Reaper
		safego.Go("reaper", func() { d.Reaper.Start(context.Background()) })
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog())
	router.Use(middleware.Metrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.CORS))
	if cfg.Security.RateLimiting.Enabled {
		rl := middleware.NewRateLimiter(cfg.Security.RateLimiting)
		bg.rateLimiters = append(bg.rateLimiters, rl)
		router.Use(middleware.RateLimit(rl))
	}

	router.GET("/health", healthCheckHandler(d.DB))
	router.GET("/ready", readinessHandler(d.DB, d.Stores))

	accounts := NewAccountHandlers(d.Accounts)
	router.POST("/sign-up", accounts.SignUpHandler())
	router.POST("/sign-in", accounts.SignInHandler())

	if secret := cfg.Webhooks.StorageEventSecret; secret != "" {
		events := NewStorageEventHandler(secret, d.Staged)
		router.POST("/webhooks/storage-events", events.HandleEvents())
	} else {
		slog.Warn("webhooks.storage_event_secret is not set; storage event webhook disabled")
	}

	if files := NewFileHandlers(d.Stores, d.Staged); files.Enabled() {
		router.GET("/v1/files/:bucket/*key", files.Download())
		router.PUT("/v1/files/:bucket/*key", files.Upload())
	}

	models := NewModelHandlers(d.Models)
	logs := NewLogHandlers(d.Usage)

	authed := router.Group("")
	authed.Use(middleware.Auth(d.Guard, d.Users))
	{
		authed.DELETE("/account", accounts.DeleteAccountHandler())

		authed.GET("/credentials", accounts.ListCredentialsHandler())
		authed.POST("/credentials/:name", accounts.CreateCredentialHandler())
		authed.DELETE("/credentials/:name", accounts.DeleteCredentialHandler())

		authed.GET("/ml-models", models.ListModelsHandler())
		authed.POST("/ml-models/:model_name", models.RegisterModelHandler())
		authed.GET("/ml-models/:model_name", models.GetModelHandler())
		authed.DELETE("/ml-models/:model_name", models.DeleteModelHandler())

		authed.POST("/ml-models/:model_name/api-keys", models.IssueAPIKeyHandler())
		authed.POST("/api-keys", models.IssueAPIKeyHandler())
		authed.GET("/api-keys", models.ListAPIKeysHandler())
		authed.DELETE("/api-keys/:id", models.RevokeAPIKeyHandler())

		authed.GET("/ml-models/:model_name/logs", logs.ListLogsHandler())
		authed.GET("/ml-models/:model_name/logs/:timestamp", logs.GetLogHandler())
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource does not exist"})
	})

	return router, bg
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
func healthCheckHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessProbeKey is a key that is never written
const readinessProbeKey = ".readiness-probe"

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks the database and every object store.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, time"
// @Failure      503  {object}  map[string]interface{}  "ready: false, checks, error"
// @Router       /ready [get]
func readinessHandler(db Pinger, stores *storage.Stores) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		if stores != nil {
			probes := []struct {
				name  string
				store storage.ObjectStore
			}{
				{"models_store", stores.Models},
				{"staging_store", stores.Staging},
				{"logs_store", stores.Logs},
			}
			for _, p := range probes {
				if p.store == nil {
					continue
				}
				if _, err := p.store.Exists(c.Request.Context(), readinessProbeKey); err != nil {
					middleware.Logger(c).Warn("store not ready", "store", p.name, "error", err)
					checks[p.name] = "unhealthy"
					c.JSON(http.StatusServiceUnavailable, gin.H{
						"ready":  false,
						"checks": checks,
						"error":  "storage backend not ready",
					})
					return
				}
				checks[p.name] = "healthy"
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
