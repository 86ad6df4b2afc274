package controller

import (
	"errors"
	"net/http"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/gin-gonic/gin"
)

type DiscoverRequest struct {
	IssuerURL string `json:"issuerUrl" binding:"required"`
}

type InspectIDTokenRequest struct {
	IDToken  string `json:"idToken" binding:"required"`
	JWKSURL  string `json:"jwksUrl"`
	Issuer   string `json:"issuer"`
	ClientID string `json:"clientId"`
	Nonce    string `json:"nonce"`
}

type InspectIDTokenResponse struct {
	KeyID      string                           `json:"keyId,omitempty"`
	Claims     map[string]any                   `json:"claims"`
	Validation *service.IDTokenValidationResult `json:"validation,omitempty"`
}

type ProviderRequest struct {
	ID string `uri:"id" binding:"required"`
}

type BeginLoginRequest struct {
	RedirectURL string `json:"redirectUrl" binding:"required"`
}

type CompleteLoginRequest struct {
	Login service.ProviderLogin `json:"login"`
	Code  string                `json:"code" binding:"required"`
	State string                `json:"state" binding:"required"`
}

type SSOControllerConfig struct {
	Rules service.RateLimitRules
}

type SSOController struct {
	config    SSOControllerConfig
	router    *gin.RouterGroup
	discovery *service.DiscoveryService
	idTokens  *service.IDTokenService
	health    *service.HealthService
	providers *service.ProviderClientService
	rateLimit *service.RateLimitService
}

func NewSSOController(config SSOControllerConfig, router *gin.RouterGroup, discovery *service.DiscoveryService, idTokens *service.IDTokenService, health *service.HealthService, providers *service.ProviderClientService, rateLimit *service.RateLimitService) *SSOController {
	return &SSOController{
		config:    config,
		router:    router,
		discovery: discovery,
		idTokens:  idTokens,
		health:    health,
		providers: providers,
		rateLimit: rateLimit,
	}
}

func (controller *SSOController) SetupRoutes() {
	ssoGroup := controller.router.Group("/sso")
	ssoGroup.POST("/discover", controller.discoverHandler)
	ssoGroup.POST("/endpoints/validate", controller.validateEndpointsHandler)
	ssoGroup.GET("/configurations/:id/validate", controller.validateConfigurationHandler)
	ssoGroup.POST("/id-token/inspect", controller.inspectIDTokenHandler)
	ssoGroup.POST("/providers/:id/login", controller.beginLoginHandler)
	ssoGroup.POST("/providers/:id/callback", controller.completeLoginHandler)
}

func badRequest(c *gin.Context, err error) {
	tlog.App.Debug().Err(err).Msg("Failed to bind request")
	c.JSON(400, gin.H{
		"status":  400,
		"message": "Bad Request",
	})
}

func (controller *SSOController) discoverHandler(c *gin.Context) {
	var req DiscoverRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if !controller.allowConnection(c) {
		return
	}

	result := controller.discovery.DiscoverEndpoints(c.Request.Context(), req.IssuerURL)

	if !result.Success {
		tlog.App.Warn().Str("issuer", req.IssuerURL).Str("error", result.Error).Msg("Discovery failed")
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (controller *SSOController) validateEndpointsHandler(c *gin.Context) {
	var endpoints service.ManualEndpoints

	if err := c.ShouldBindJSON(&endpoints); err != nil {
		badRequest(c, err)
		return
	}

	validation := service.ValidateManualEndpoints(endpoints)

	response := gin.H{
		"valid":    validation.Valid,
		"errors":   validation.Errors,
		"warnings": validation.Warnings,
	}

	if validation.Valid && c.Query("connectivity") == "true" {
		if !controller.allowConnection(c) {
			return
		}

		connectivity := controller.discovery.TestEndpointConnectivity(c.Request.Context(), service.EndpointConfiguration(endpoints))
		response["reachable"] = connectivity.Reachable()
		response["connectivityErrors"] = connectivity.Errors
	}

	c.JSON(http.StatusOK, response)
}

func (controller *SSOController) validateConfigurationHandler(c *gin.Context) {
	var req ProviderRequest

	if err := c.ShouldBindUri(&req); err != nil {
		badRequest(c, err)
		return
	}

	result := controller.health.ValidateConfiguration(c.Request.Context(), req.ID)

	c.JSON(http.StatusOK, result)
}

func (controller *SSOController) inspectIDTokenHandler(c *gin.Context) {
	var req InspectIDTokenRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if !controller.allowConnection(c) {
		return
	}

	claims, err := controller.idTokens.DecodeIDTokenUnsafe(req.IDToken)

	if err != nil {
		tlog.App.Debug().Err(err).Msg("Failed to decode ID token")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"status":  422,
			"message": "Malformed ID token",
		})
		return
	}

	response := InspectIDTokenResponse{
		Claims: claims.Raw,
	}

	if kid, ok := controller.idTokens.GetTokenKeyID(req.IDToken); ok {
		response.KeyID = kid
	}

	if req.JWKSURL != "" && req.Issuer != "" && req.ClientID != "" {
		result := controller.idTokens.ValidateIDToken(c.Request.Context(), req.IDToken, req.JWKSURL, service.IDTokenValidationOptions{
			Issuer:   req.Issuer,
			ClientID: req.ClientID,
			Nonce:    req.Nonce,
		})
		result.Claims = nil
		response.Validation = &result
	}

	c.JSON(http.StatusOK, response)
}

func (controller *SSOController) beginLoginHandler(c *gin.Context) {
	var uri ProviderRequest

	if err := c.ShouldBindUri(&uri); err != nil {
		badRequest(c, err)
		return
	}

	var req BeginLoginRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if !controller.allowConnection(c) {
		return
	}

	login, err := controller.providers.BeginLogin(c.Request.Context(), uri.ID, req.RedirectURL)

	if err != nil {
		controller.providerError(c, uri.ID, err)
		return
	}

	c.JSON(http.StatusOK, login)
}

func (controller *SSOController) completeLoginHandler(c *gin.Context) {
	var uri ProviderRequest

	if err := c.ShouldBindUri(&uri); err != nil {
		badRequest(c, err)
		return
	}

	var req CompleteLoginRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	req.Login.ProviderID = uri.ID

	identity, err := controller.providers.CompleteLogin(c.Request.Context(), req.Login, req.Code, req.State)

	if err != nil {
		controller.providerError(c, uri.ID, err)
		return
	}

	c.JSON(http.StatusOK, identity)
}

// allowConnection applies the per IP connections rule to requests that reach
// out to identity providers. It writes the 429 response when the rule is exceeded.
func (controller *SSOController) allowConnection(c *gin.Context) bool {
	result := controller.rateLimit.CheckRateLimit(c.Request.Context(), service.RateLimitKey{
		Type:  config.RateLimitKeyIP,
		Value: c.ClientIP(),
	}, controller.config.Rules.Connections)

	if !result.Allowed {
		WriteRateLimitExceeded(c, result)
		return false
	}

	setRateLimitHeaders(c, result)
	return true
}

func (controller *SSOController) providerError(c *gin.Context, providerID string, err error) {
	var rejected *service.IDTokenRejectedError
	var unsafe *utils.URLSafetyError

	switch {
	case errors.As(err, &unsafe), errors.Is(err, utils.ErrInvalidFormat):
		c.JSON(400, gin.H{
			"status":  400,
			"message": err.Error(),
		})
	case errors.Is(err, service.ErrProviderNotFound):
		c.JSON(404, gin.H{
			"status":  404,
			"message": "Not Found",
		})
	case errors.Is(err, service.ErrProviderDisabled):
		c.JSON(403, gin.H{
			"status":  403,
			"message": "Provider is disabled",
		})
	case errors.Is(err, service.ErrStateMismatch):
		tlog.App.Warn().Str("provider", providerID).Msg("State mismatch on provider callback")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "State mismatch",
		})
	case errors.Is(err, service.ErrLoginTampered):
		tlog.App.Warn().Str("provider", providerID).Msg("Tampered login state on provider callback")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Invalid login state",
		})
	case errors.As(err, &rejected):
		tlog.App.Warn().Str("provider", providerID).Str("code", string(rejected.Code)).Msg("Provider returned an invalid ID token")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Invalid ID token",
			"code":    rejected.Code,
		})
	case errors.Is(err, service.ErrMissingIDToken), errors.Is(err, service.ErrAccessTokenBinding):
		tlog.App.Warn().Err(err).Str("provider", providerID).Msg("Provider token response rejected")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Invalid token response",
		})
	default:
		tlog.App.Error().Err(err).Str("provider", providerID).Msg("Provider login failed")
		c.JSON(502, gin.H{
			"status":  502,
			"message": "Identity provider error",
		})
	}
}
