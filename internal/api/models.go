package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/middleware"
	"github.com/neurodeploy/platform/internal/services"
)

// allModels is the model name of an API key valid for every model
const allModels = "*"

// ModelHandlers serves model registration and model API keys
type ModelHandlers struct {
	models Models
}

// NewModelHandlers creates ModelHandlers
func NewModelHandlers(models Models) *ModelHandlers {
	return &ModelHandlers{models: models}
}

// @Summary      Register model
// @Description  Registers a model and returns presigned upload targets for the artifact and, when requested, the preprocessing script.
// @Tags         Models
// @Security     Bearer
// @Produce      json
// @Param        model_name         path   string  true   "Model name"
// @Param        lib                query  string  true   "scikit-learn or tensorflow"
// @Param        filetype           query  string  true   "h5, joblib or pickle"
// @Param        is_public          query  bool    false  "Allow invocation without an API key"
// @Param        has_preprocessing  query  bool    false  "Also return an upload target for a preprocessing script"
// @Success      201  {object}  services.Registration
// @Failure      400  {object}  map[string]interface{}  "errors: list of invalid parameters"
// @Failure      409  {object}  map[string]interface{}  "Model name taken"
// @Router       /ml-models/{model_name} [post]
func (h *ModelHandlers) RegisterModelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		isPublic, err := queryBool(c, "is_public", false)
		if err != nil {
			respondError(c, err)
			return
		}
		hasPreprocessing, err := queryBool(c, "has_preprocessing", false)
		if err != nil {
			respondError(c, err)
			return
		}

		res, err := h.models.RegisterModel(c.Request.Context(), services.RegisterModelInput{
			Username:         middleware.Username(c),
			ModelName:        c.Param("model_name"),
			Library:          c.Query("lib"),
			Filetype:         c.Query("filetype"),
			IsPublic:         isPublic,
			HasPreprocessing: hasPreprocessing,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// @Summary      List models
// @Tags         Models
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "models"
// @Router       /ml-models [get]
func (h *ModelHandlers) ListModelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.models.ListModels(c.Request.Context(), middleware.Username(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"models": list})
	}
}

// @Summary      Get model
// @Tags         Models
// @Security     Bearer
// @Produce      json
// @Param        model_name  path  string  true  "Model name"
// @Success      200  {object}  services.ModelView
// @Failure      404  {object}  map[string]interface{}  "Model not found"
// @Router       /ml-models/{model_name} [get]
func (h *ModelHandlers) GetModelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m, err := h.models.GetModel(c.Request.Context(), middleware.Username(c), c.Param("model_name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
	}
}

// @Summary      Delete model
// @Description  Soft-deletes a model. Its API keys are deleted too unless delete_api_keys is false.
// @Tags         Models
// @Security     Bearer
// @Produce      json
// @Param        model_name       path   string  true   "Model name"
// @Param        delete_api_keys  query  bool    false  "Also delete the model's API keys (default true)"
// @Success      200  {object}  services.ModelDeletion
// @Failure      404  {object}  map[string]interface{}  "Model not found"
// @Router       /ml-models/{model_name} [delete]
func (h *ModelHandlers) DeleteModelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deleteKeys, err := queryBool(c, "delete_api_keys", true)
		if err != nil {
			respondError(c, err)
			return
		}
		res, err := h.models.DeleteModel(c.Request.Context(), middleware.Username(c), c.Param("model_name"), deleteKeys)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Issue model API key
// @Description  Issues an API key for one model, or for every model of the tenant when posted to /api-keys without model_name. The key is only returned once.
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        model_name             path   string  false  "Model name"
// @Param        model_name             query  string  false  "Model name on /api-keys; defaults to *"
// @Param        description            query  string  false  "Description"
// @Param        expires_after_minutes  query  int     false  "Lifetime in minutes; 0 never expires"
// @Success      201  {object}  services.IssuedModelAPIKey
// @Failure      404  {object}  map[string]interface{}  "Model not found"
// @Router       /ml-models/{model_name}/api-keys [post]
// @Router       /api-keys [post]
func (h *ModelHandlers) IssueAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		modelName := c.Param("model_name")
		if modelName == "" {
			modelName = c.DefaultQuery("model_name", allModels)
		}
		minutes, err := queryInt(c, "expires_after_minutes", 0)
		if err != nil {
			respondError(c, err)
			return
		}
		key, err := h.models.IssueModelAPIKey(c.Request.Context(), middleware.Username(c), modelName, optionalString(c.Query("description")), minutes)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, key)
	}
}

// @Summary      List model API keys
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        model_name  query  string  false  "Only keys valid for this model"
// @Success      200  {object}  map[string]interface{}  "api_keys"
// @Router       /api-keys [get]
func (h *ModelHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.models.ListModelAPIKeys(c.Request.Context(), middleware.Username(c), c.Query("model_name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"api_keys": keys})
	}
}

// @Summary      Revoke model API key
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "API key ID"
// @Success      200  {object}  map[string]interface{}  "message"
// @Failure      404  {object}  map[string]interface{}  "API key not found"
// @Router       /api-keys/{id} [delete]
func (h *ModelHandlers) RevokeAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.models.RevokeModelAPIKey(c.Request.Context(), middleware.Username(c), c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "API key revoked"})
	}
}
