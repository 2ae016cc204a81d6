package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
)

// Handlers contains the HTTP handlers for auth, registration and access endpoints
type Handlers struct {
	auth         *service.AuthService
	access       *service.AccessService
	registration *service.RegistrationCoordinator
	users        ports.UserStore
	cookies      CookieConfig
	health       func(ctx context.Context) error
}

// NewHandlers creates the handlers. health may be nil.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		auth:         deps.Auth,
		access:       deps.Access,
		registration: deps.Registration,
		users:        deps.Users,
		cookies:      deps.Cookies,
		health:       deps.Health,
	}
}

// Challenge issues a login challenge for a wallet
func (h *Handlers) Challenge(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c, err)
		return
	}

	challenge, err := h.auth.IssueChallenge(c.Request.Context(), req.Address)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":    challenge.Address,
		"message":    challenge.Text,
		"issued_at":  challenge.IssuedAt,
		"expires_at": challenge.ExpiresAt,
	})
}

// Login exchanges a signed challenge for a session token, also set as a cookie
func (h *Handlers) Login(c *gin.Context) {
	var req struct {
		Address   string          `json:"address" binding:"required"`
		Message   string          `json:"message" binding:"required"`
		Signature json.RawMessage `json:"signature" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c, err)
		return
	}

	signature, err := decodeSignature(req.Signature)
	if err != nil {
		abortWithError(c, core.Deny(fmt.Errorf("%w: %v", core.ErrInvalidSignature, err),
			"The signature must be a string or an array of bytes.",
			"Send the wallet's signature as base58, base64, hex or a JSON byte array."))
		return
	}

	result, err := h.auth.Login(c.Request.Context(), service.LoginRequest{
		Address:   req.Address,
		Message:   req.Message,
		Signature: signature,
	}, sessionMeta(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	maxAge := int(time.Until(result.Session.ExpiresAt).Seconds())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookies.Name, result.Token, maxAge, "/", h.cookies.Domain, h.cookies.Secure, true)

	c.JSON(http.StatusOK, gin.H{
		"token":      result.Token,
		"token_type": "Bearer",
		"session_id": result.Session.ID,
		"expires_at": result.Session.ExpiresAt,
		"user":       result.User,
	})
}

// Logout revokes the presented session and clears the cookie
func (h *Handlers) Logout(c *gin.Context) {
	token, _ := bearerToken(c, h.cookies.Name)

	if token != "" {
		if err := h.auth.Revoke(c.Request.Context(), token, sessionMeta(c)); err != nil {
			abortWithError(c, err)
			return
		}
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookies.Name, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Session describes the current session
func (h *Handlers) Session(c *gin.Context) {
	session, ok := sessionFrom(c)
	if !ok {
		abortWithError(c, errors.New("session missing from context"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": session.ID,
		"user_id":    session.OwnerID,
		"address":    session.Address,
		"created_at": session.CreatedAt,
		"expires_at": session.ExpiresAt,
	})
}

// Me returns the authenticated user's record
func (h *Handlers) Me(c *gin.Context) {
	session, ok := sessionFrom(c)
	if !ok {
		abortWithError(c, errors.New("session missing from context"))
		return
	}

	user, err := h.users.GetUserByID(c.Request.Context(), session.OwnerID)
	if err != nil {
		abortWithError(c, userLookupError(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// Register claims a username for the authenticated wallet
func (h *Handlers) Register(c *gin.Context) {
	session, ok := sessionFrom(c)
	if !ok {
		abortWithError(c, errors.New("session missing from context"))
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		BurnTx   string `json:"burn_tx"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortInvalidRequest(c, err)
		return
	}

	result, err := h.registration.Register(c.Request.Context(), core.RegistrationRequest{
		UserID:   session.OwnerID,
		Address:  session.Address,
		Username: req.Username,
		BurnTx:   req.BurnTx,
	}, sessionMeta(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyRegistered {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// AccessStatus reports the caller's tier and today's usage without metering
func (h *Handlers) AccessStatus(c *gin.Context) {
	caller, err := h.caller(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAccessResponse(h.access.Status(c.Request.Context(), caller)))
}

// Consume meters one operation against the caller's daily quota
func (h *Handlers) Consume(c *gin.Context) {
	caller, err := h.caller(c)
	if err != nil {
		abortWithError(c, err)
		return
	}

	status, err := h.access.Consume(c.Request.Context(), caller)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAccessResponse(status))
}

// quotaRemaining is a remaining allowance on the wire: a count, or "unlimited"
type quotaRemaining int64

func (r quotaRemaining) MarshalJSON() ([]byte, error) {
	if int64(r) == core.Unlimited {
		return []byte(`"unlimited"`), nil
	}
	return strconv.AppendInt(nil, int64(r), 10), nil
}

// accessResponse overrides the embedded remaining count with its wire form
type accessResponse struct {
	service.AccessStatus
	Remaining quotaRemaining `json:"remaining"`
}

func newAccessResponse(status service.AccessStatus) accessResponse {
	return accessResponse{AccessStatus: status, Remaining: quotaRemaining(status.Remaining)}
}

// Healthz reports liveness and, when configured, store reachability
func (h *Handlers) Healthz(c *gin.Context) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// caller builds the metering identity from what the middleware resolved
func (h *Handlers) caller(c *gin.Context) (service.Caller, error) {
	identity := identityFrom(c)
	if identity == "" {
		return service.Caller{}, errors.New("identity missing from context")
	}

	session, ok := sessionFrom(c)
	if !ok {
		return service.Caller{Identity: identity}, nil
	}

	user, err := h.users.GetUserByID(c.Request.Context(), session.OwnerID)
	if err != nil {
		return service.Caller{}, userLookupError(err)
	}

	return service.Caller{Identity: identity, User: user}, nil
}

func userLookupError(err error) error {
	if errors.Is(err, core.ErrUserNotFound) {
		return core.Deny(core.ErrSessionNotFound, "The session does not belong to a known wallet.",
			"Log in again with your wallet.")
	}
	return core.Deny(fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err),
		"The service could not reach its data store.", "Retry the request shortly.").
		WithRetryAfter(5 * time.Second)
}

// decodeSignature accepts a JSON string, passed through as text for the
// verifier to decode, or a JSON array of byte values
func decodeSignature(raw json.RawMessage) ([]byte, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []byte(text), nil
	}

	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, errors.New("unsupported signature encoding")
	}

	sig := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("signature byte %d out of range", i)
		}
		sig[i] = byte(v)
	}
	return sig, nil
}
