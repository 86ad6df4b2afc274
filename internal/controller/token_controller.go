package controller

import (
	"errors"
	"net/http"

	"github.com/steveiliop56/tinytrust/internal/config"
	"github.com/steveiliop56/tinytrust/internal/service"
	"github.com/steveiliop56/tinytrust/internal/utils/tlog"

	"github.com/gin-gonic/gin"
)

type TokenRequest struct {
	GrantType    string `form:"grant_type" url:"grant_type"`
	Code         string `form:"code" url:"code,omitempty"`
	RefreshToken string `form:"refresh_token" url:"refresh_token,omitempty"`
}

type RevokeRequest struct {
	Token         string `form:"token" url:"token"`
	TokenTypeHint string `form:"token_type_hint" url:"token_type_hint,omitempty"`
}

type TokenControllerConfig struct {
	Rules service.RateLimitRules
}

type TokenController struct {
	config        TokenControllerConfig
	router        *gin.RouterGroup
	authorization *service.AuthorizationService
	rateLimit     *service.RateLimitService
}

func NewTokenController(config TokenControllerConfig, router *gin.RouterGroup, authorization *service.AuthorizationService, rateLimit *service.RateLimitService) *TokenController {
	return &TokenController{
		config:        config,
		router:        router,
		authorization: authorization,
		rateLimit:     rateLimit,
	}
}

func (controller *TokenController) SetupRoutes() {
	oauthGroup := controller.router.Group("/oauth")
	oauthGroup.POST("/token", controller.tokenHandler)
	oauthGroup.POST("/revoke", controller.revokeHandler)
	oauthGroup.GET("/session", controller.sessionHandler)
}

func (controller *TokenController) allow(c *gin.Context, key service.RateLimitKey, rule service.RateLimitRule) bool {
	result := controller.rateLimit.CheckRateLimit(c.Request.Context(), key, rule)

	if !result.Allowed {
		WriteRateLimitExceeded(c, result)
		return false
	}

	setRateLimitHeaders(c, result)
	return true
}

func (controller *TokenController) tokenHandler(c *gin.Context) {
	key := service.RateLimitKey{Type: config.RateLimitKeyIP, Value: c.ClientIP()}

	if !controller.allow(c, key, controller.config.Rules.TokenExchanges) {
		return
	}

	var req TokenRequest

	if err := c.ShouldBind(&req); err != nil {
		tlog.App.Debug().Err(err).Msg("Failed to bind token request")
		writeOAuthError(c, http.StatusBadRequest, "invalid_request", "Malformed token request")
		return
	}

	var (
		res *service.TokenResponse
		err error
	)

	switch req.GrantType {
	case "authorization_code":
		if req.Code == "" {
			writeOAuthError(c, http.StatusBadRequest, "invalid_request", "Missing authorization code")
			return
		}
		res, err = controller.authorization.ExchangeAuthorizationCode(c.Request.Context(), req.Code)
	case "refresh_token":
		if req.RefreshToken == "" {
			writeOAuthError(c, http.StatusBadRequest, "invalid_request", "Missing refresh token")
			return
		}
		res, err = controller.authorization.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	default:
		writeOAuthError(c, http.StatusBadRequest, "unsupported_grant_type", "Supported grant types are authorization_code and refresh_token")
		return
	}

	if errors.Is(err, service.ErrInvalidGrant) {
		writeOAuthError(c, http.StatusBadRequest, "invalid_grant", "Invalid, expired or revoked grant")
		return
	}

	if err != nil {
		tlog.App.Error().Err(err).Str("grant_type", req.GrantType).Msg("Failed to issue tokens")
		writeOAuthError(c, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
	c.JSON(http.StatusOK, res)
}

// Revocation always answers 200 for unknown tokens, see RFC 7009.
func (controller *TokenController) revokeHandler(c *gin.Context) {
	var req RevokeRequest

	if err := c.ShouldBind(&req); err != nil || req.Token == "" {
		writeOAuthError(c, http.StatusBadRequest, "invalid_request", "Missing token")
		return
	}

	if err := controller.authorization.RevokeToken(c.Request.Context(), req.Token); err != nil {
		tlog.App.Error().Err(err).Msg("Failed to revoke token")
		writeOAuthError(c, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	c.Status(http.StatusOK)
}

func (controller *TokenController) sessionHandler(c *gin.Context) {
	token, ok := bearerToken(c)

	if !ok {
		c.Header("WWW-Authenticate", `Bearer realm="tinytrust"`)
		writeOAuthError(c, http.StatusUnauthorized, "invalid_token", "Missing bearer token")
		return
	}

	key := service.RateLimitKey{Type: config.RateLimitKeyToken, Value: controller.authorization.TokenFingerprint(token)}

	if !controller.allow(c, key, controller.config.Rules.ToolInvocations) {
		return
	}

	info, err := controller.authorization.ValidateAccessToken(c.Request.Context(), token)

	if errors.Is(err, service.ErrInvalidToken) {
		c.Header("WWW-Authenticate", `Bearer realm="tinytrust", error="invalid_token"`)
		writeOAuthError(c, http.StatusUnauthorized, "invalid_token", "Invalid, expired or revoked token")
		return
	}

	if err != nil {
		tlog.App.Error().Err(err).Msg("Failed to validate access token")
		writeOAuthError(c, http.StatusInternalServerError, "server_error", "Internal server error")
		return
	}

	c.JSON(http.StatusOK, info)
}
