package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
)

// Dependencies are the services the router exposes
type Dependencies struct {
	Auth         *service.AuthService
	Access       *service.AccessService
	Registration *service.RegistrationCoordinator
	Limiter      *service.RateLimiter
	Users        ports.UserStore
	Cookies      CookieConfig
	Health       func(ctx context.Context) error
	Logger       *zap.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(logger))

	handlers := NewHandlers(deps)
	requireSession := AuthMiddleware(deps.Auth, deps.Cookies.Name)
	optionalSession := OptionalAuthMiddleware(deps.Auth, deps.Limiter, deps.Cookies)

	router.GET("/healthz", handlers.Healthz)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/challenge", RateLimitMiddleware(deps.Limiter, core.ActionLogin), handlers.Challenge)
		auth.POST("/login", RateLimitMiddleware(deps.Limiter, core.ActionLogin), handlers.Login)
		auth.POST("/logout", RateLimitMiddleware(deps.Limiter, core.ActionInfo), handlers.Logout)
		auth.GET("/session", RateLimitMiddleware(deps.Limiter, core.ActionInfo), requireSession, handlers.Session)
	}

	api := router.Group("/api")
	{
		// Limiters run ahead of session checks
		api.GET("/me", RateLimitMiddleware(deps.Limiter, core.ActionInfo), requireSession, handlers.Me)
		api.POST("/register", RateLimitMiddleware(deps.Limiter, core.ActionRegistration), requireSession, handlers.Register)

		// Metered routes also serve anonymous callers
		api.GET("/access", RateLimitMiddleware(deps.Limiter, core.ActionInfo), optionalSession, handlers.AccessStatus)
		api.POST("/access/consume", RateLimitMiddleware(deps.Limiter, core.ActionAccess), optionalSession, handlers.Consume)
	}

	return router
}
