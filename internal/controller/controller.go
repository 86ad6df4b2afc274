package controller

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/steveiliop56/tinytrust/internal/service"

	"github.com/gin-gonic/gin"
)

type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeOAuthError(c *gin.Context, status int, code string, description string) {
	c.Header("Cache-Control", "no-store")
	c.JSON(status, oauthErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func setRateLimitHeaders(c *gin.Context, result service.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// WriteRateLimitExceeded answers 429 with the standard rate limit headers.
func WriteRateLimitExceeded(c *gin.Context, result service.RateLimitResult) {
	retryAfter := int(math.Ceil(time.Until(result.ResetAt).Seconds()))

	if retryAfter < 1 {
		retryAfter = 1
	}

	setRateLimitHeaders(c, result)
	c.Header("Retry-After", strconv.Itoa(retryAfter))

	c.JSON(429, gin.H{
		"status":  429,
		"message": "Too many requests",
	})
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	scheme, token, found := strings.Cut(header, " ")

	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}
