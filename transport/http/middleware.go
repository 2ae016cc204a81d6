package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/service"
)

// Context keys set by the middleware
const (
	ctxSession  = "session"
	ctxToken    = "sessionToken"
	ctxIdentity = "identity"
)

// CookieConfig controls the session and anonymous cookies
type CookieConfig struct {
	Name     string
	AnonName string
	Domain   string
	Secure   bool
}

// anonCookieTTL keeps an anonymous identity stable across daily resets
const anonCookieTTL = 30 * 24 * time.Hour

// bearerToken returns the token from the Authorization header, falling back
// to the session cookie. fromHeader reports which one was used.
func bearerToken(c *gin.Context, cookieName string) (token string, fromHeader bool) {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			return strings.TrimSpace(auth[7:]), true
		}
		return "", true
	}

	if cookie, err := c.Cookie(cookieName); err == nil && cookie != "" {
		return cookie, false
	}

	return "", false
}

// AuthMiddleware requires a live session from the bearer header or cookie
func AuthMiddleware(authService *service.AuthService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := bearerToken(c, cookieName)
		if token == "" {
			abortWithError(c, core.Deny(core.ErrSessionNotFound,
				"No session token was presented.",
				"Log in with your wallet and send the token as a Bearer header or cookie."))
			return
		}

		session, err := authService.Resolve(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(ctxSession, session)
		c.Set(ctxToken, token)
		c.Set(ctxIdentity, core.UserIdentity(session.OwnerID))

		c.Next()
	}
}

// OptionalAuthMiddleware resolves a session when one is presented and
// otherwise assigns the caller an anonymous identity kept in a cookie. An
// invalid Authorization header is still rejected; a stale cookie is ignored.
// Minting a new anonymous identity spends the caller's ActionAnonymous budget.
func OptionalAuthMiddleware(authService *service.AuthService, limiter *service.RateLimiter, cookies CookieConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, fromHeader := bearerToken(c, cookies.Name)
		if token != "" || fromHeader {
			session, err := resolveOptional(c, authService, token)
			switch {
			case err == nil:
				c.Set(ctxSession, session)
				c.Set(ctxToken, token)
				c.Set(ctxIdentity, core.UserIdentity(session.OwnerID))
				c.Next()
				return
			case fromHeader:
				abortWithError(c, err)
				return
			case core.ReasonOf(err) == core.ReasonStorageUnavailable:
				abortWithError(c, err)
				return
			}
		}

		id, err := anonymousID(c, limiter, cookies)
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(ctxIdentity, core.AnonymousIdentity(id))
		c.Next()
	}
}

func resolveOptional(c *gin.Context, authService *service.AuthService, token string) (*core.Session, error) {
	if token == "" {
		return nil, core.Deny(core.ErrSessionNotFound, "The Authorization header is not a Bearer token.",
			"Send the session token as \"Authorization: Bearer <token>\".")
	}
	return authService.Resolve(c.Request.Context(), token)
}

// anonymousID returns the caller's anonymous id, issuing a new cookie when
// none or a malformed one was presented
func anonymousID(c *gin.Context, limiter *service.RateLimiter, cookies CookieConfig) (string, error) {
	if value, err := c.Cookie(cookies.AnonName); err == nil {
		if id, err := uuid.Parse(value); err == nil {
			return id.String(), nil
		}
	}

	if limiter != nil {
		if _, err := limiter.Allow(c.Request.Context(), c.ClientIP(), core.ActionAnonymous); err != nil {
			return "", err
		}
	}

	id := uuid.New().String()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(cookies.AnonName, id, int(anonCookieTTL.Seconds()), "/", cookies.Domain, cookies.Secure, true)
	return id, nil
}

// RateLimitMiddleware screens requests by client IP under the action's policy
func RateLimitMiddleware(limiter *service.RateLimiter, action core.Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := limiter.Allow(c.Request.Context(), c.ClientIP(), action)

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}

		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Next()
	}
}

// RequestLogger logs each request once it completes
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}

func sessionFrom(c *gin.Context) (*core.Session, bool) {
	v, ok := c.Get(ctxSession)
	if !ok {
		return nil, false
	}
	session, ok := v.(*core.Session)
	return session, ok
}

func identityFrom(c *gin.Context) core.Identity {
	if v, ok := c.Get(ctxIdentity); ok {
		if identity, ok := v.(core.Identity); ok {
			return identity
		}
	}
	return ""
}

func sessionMeta(c *gin.Context) core.SessionMeta {
	return core.SessionMeta{IPAddress: c.ClientIP(), UserAgent: c.Request.UserAgent()}
}
