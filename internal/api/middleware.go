package api

import (
	"net/http"
	"strconv"
	"time"

	"navdrishti/internal/redisclient"
	"navdrishti/internal/service"
	"navdrishti/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorKey = "actor"

// identityMiddleware resolves the caller identity set by the upstream
// auth proxy. The core never validates credentials itself.
func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		idHeader := c.GetHeader("X-User-ID")
		role := c.GetHeader("X-User-Role")

		userID, err := strconv.ParseInt(idHeader, 10, 64)
		if idHeader == "" || role == "" || err != nil || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		c.Set(actorKey, service.Actor{UserID: userID, Role: role})
		c.Next()
	}
}

func currentActor(c *gin.Context) service.Actor {
	v, _ := c.Get(actorKey)
	actor, _ := v.(service.Actor)
	return actor
}

// rateLimitMiddleware enforces a fixed-window per-caller limit backed
// by redis, keeping the process stateless. Redis outages fail open.
func rateLimitMiddleware(redis *redisclient.Client, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-User-ID")
		if caller == "" {
			caller = c.ClientIP()
		}

		allowed, err := redis.Allow(c.Request.Context(), caller, perMinute, time.Minute)
		if err != nil {
			util.GetLogger().Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
