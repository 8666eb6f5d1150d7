package middleware

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"travel-event-core/internal/core/ports"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// Endpoint groups.
const (
	GroupInbound  = "inbound"
	GroupOperator = "operator"
)

// DefaultRateLimitRules returns the per-group limits. inboundPerMinute caps
// provider callbacks per client IP.
func DefaultRateLimitRules(inboundPerMinute int64) map[string]RateLimitRule {
	return map[string]RateLimitRule{
		GroupInbound:  {Limit: inboundPerMinute, Window: time.Minute},
		GroupOperator: {Limit: 120, Window: time.Minute},
	}
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Limiter errors let the request through.
func RateLimiter(limiter ports.RateLimiter, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("http:%s:%s", group, extractIdentifier(c))

		result, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))

		if !result.Allowed {
			retryAfter := int64(math.Ceil(result.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			log.Warn().Str("group", group).Str("client_ip", c.ClientIP()).Msg("rate limit exceeded")
			response.AbortWithError(c, apperror.ErrRateLimitExceeded())
			return
		}

		c.Next()
	}
}

// extractIdentifier keys operator traffic by tenant and everything else by
// client IP.
func extractIdentifier(c *gin.Context) string {
	if tenantID, ok := TenantID(c); ok {
		return "tenant:" + tenantID.String()
	}
	return "ip:" + c.ClientIP()
}
