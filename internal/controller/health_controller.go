package controller

import (
	"net/http"

	"github.com/steveiliop56/tinytrust/internal/service"

	"github.com/gin-gonic/gin"
)

type HealthController struct {
	router *gin.RouterGroup
	health *service.HealthService
}

func NewHealthController(router *gin.RouterGroup, health *service.HealthService) *HealthController {
	return &HealthController{
		router: router,
		health: health,
	}
}

func (controller *HealthController) SetupRoutes() {
	controller.router.GET("/healthz", controller.healthzHandler)
	controller.router.HEAD("/healthz", controller.healthzHandler)
	controller.router.GET("/health/sso", controller.ssoHealthHandler)
}

func (controller *HealthController) healthzHandler(c *gin.Context) {
	c.JSON(200, gin.H{
		"status":  "ok",
		"message": "Healthy",
	})
}

func (controller *HealthController) ssoHealthHandler(c *gin.Context) {
	report := controller.health.CheckSystemHealth(c.Request.Context())

	status := http.StatusOK

	if report.Status == service.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, report)
}
