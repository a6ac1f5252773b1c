package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/middleware"
)

// AccountHandlers serves sign-up, sign-in, account deletion and credentials
type AccountHandlers struct {
	accounts Accounts
}

// NewAccountHandlers creates AccountHandlers
func NewAccountHandlers(accounts Accounts) *AccountHandlers {
	return &AccountHandlers{accounts: accounts}
}

// @Summary      Sign up
// @Description  Creates an account, issues a bearer token and a default access key credential, and schedules provisioning of the tenant endpoint.
// @Tags         Accounts
// @Produce      json
// @Param        username  header  string  true  "Username (DNS label)"
// @Param        password  header  string  true  "Password"
// @Param        email     header  string  true  "Email address"
// @Success      201  {object}  services.SignUpResult
// @Failure      400  {object}  map[string]interface{}  "errors: list of invalid parameters"
// @Failure      409  {object}  map[string]interface{}  "Username taken"
// @Router       /sign-up [post]
func (h *AccountHandlers) SignUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader("username"))
		res, err := h.accounts.SignUp(c.Request.Context(), username, c.GetHeader("password"), strings.TrimSpace(c.GetHeader("email")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// @Summary      Sign in
// @Description  Verifies a username and password and returns a bearer token and a short-lived access key pair.
// @Tags         Accounts
// @Produce      json
// @Param        username  header  string  true  "Username"
// @Param        password  header  string  true  "Password"
// @Success      200  {object}  services.SignInResult
// @Failure      401  {object}  map[string]interface{}  "Invalid username or password"
// @Router       /sign-in [post]
func (h *AccountHandlers) SignInHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := strings.TrimSpace(c.GetHeader("username"))
		res, err := h.accounts.SignIn(c.Request.Context(), username, c.GetHeader("password"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Delete account
// @Description  Closes the account, deletes its credentials, model API keys and models, and schedules teardown of every provisioned endpoint.
// @Tags         Accounts
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  services.AccountDeletion
// @Failure      500  {object}  map[string]interface{}  "Account closed but some cleanup steps failed"
// @Router       /account [delete]
func (h *AccountHandlers) DeleteAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		username := middleware.Username(c)
		res, err := h.accounts.DeleteAccount(c.Request.Context(), username)
		if err != nil {
			if apperr.Is(err, apperr.KindPartialFailure) && res != nil {
				middleware.Logger(c).Error("account cleanup incomplete", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   apperr.Message(err),
					"failed":  apperr.Details(err),
					"results": res,
				})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// @Summary      Create credential
// @Description  Issues a named access key pair. The secret is only returned once.
// @Tags         Credentials
// @Security     Bearer
// @Produce      json
// @Param        name                path   string  true   "Credential name"
// @Param        description         query  string  false  "Description"
// @Param        expiration_minutes  query  int     false  "Lifetime in minutes; 0 never expires"
// @Success      201  {object}  services.IssuedCredential
// @Failure      400  {object}  map[string]interface{}  "Invalid name or expiration"
// @Failure      409  {object}  map[string]interface{}  "Credential name taken"
// @Router       /credentials/{name} [post]
func (h *AccountHandlers) CreateCredentialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		minutes, err := queryInt(c, "expiration_minutes", 0)
		if err != nil {
			respondError(c, err)
			return
		}
		res, err := h.accounts.CreateCredential(
			c.Request.Context(),
			middleware.Username(c),
			c.Param("name"),
			optionalString(c.Query("description")),
			time.Duration(minutes)*time.Minute,
		)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, res)
	}
}

// @Summary      List credentials
// @Tags         Credentials
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "credentials: list without secrets"
// @Router       /credentials [get]
func (h *AccountHandlers) ListCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, err := h.accounts.ListCredentials(c.Request.Context(), middleware.Username(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"credentials": creds})
	}
}

// @Summary      Delete credential
// @Tags         Credentials
// @Security     Bearer
// @Produce      json
// @Param        name  path  string  true  "Credential name"
// @Success      200  {object}  map[string]interface{}  "message"
// @Failure      404  {object}  map[string]interface{}  "Credential not found"
// @Router       /credentials/{name} [delete]
func (h *AccountHandlers) DeleteCredentialHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if err := h.accounts.DeleteCredential(c.Request.Context(), middleware.Username(c), name); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "credential " + name + " deleted"})
	}
}
