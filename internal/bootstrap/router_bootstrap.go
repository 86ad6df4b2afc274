package bootstrap

import (
	"fmt"
	"strings"

	"github.com/steveiliop56/tinytrust/internal/controller"
	"github.com/steveiliop56/tinytrust/internal/middleware"

	"github.com/gin-gonic/gin"
)

type routerMiddleware interface {
	Init() error
	Middleware() gin.HandlerFunc
}

func (app *BootstrapApp) setupRouter() (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(app.config.TrustedProxies) > 0 {
		err := engine.SetTrustedProxies(strings.Split(app.config.TrustedProxies, ","))

		if err != nil {
			return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
		}
	}

	middlewares := []routerMiddleware{
		middleware.NewZerologMiddleware(),
		middleware.NewMetricsMiddleware(app.services.metrics),
	}

	for _, m := range middlewares {
		if err := m.Init(); err != nil {
			return nil, fmt.Errorf("failed to initialize middleware: %w", err)
		}
		engine.Use(m.Middleware())
	}

	engine.GET("/metrics", gin.WrapH(app.services.metrics.Handler()))

	apiRouter := engine.Group("/api")

	tokenController := controller.NewTokenController(controller.TokenControllerConfig{
		Rules: app.services.rateLimitRules,
	}, apiRouter, app.services.authorizationService, app.services.rateLimitService)

	tokenController.SetupRoutes()

	ssoController := controller.NewSSOController(controller.SSOControllerConfig{
		Rules: app.services.rateLimitRules,
	}, apiRouter, app.services.discoveryService, app.services.idTokenService, app.services.healthService, app.services.providerClientService, app.services.rateLimitService)

	ssoController.SetupRoutes()

	healthController := controller.NewHealthController(apiRouter, app.services.healthService)

	healthController.SetupRoutes()

	return engine, nil
}
