/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/ratelimit"
)

const authContextKey = "traceprism/auth"

// internalErrorBody is the uniform 5xx payload; internals never leak.
var internalErrorBody = gin.H{"message": "An internal error occurred"}

// RequestLogger emits one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// BodyLimit caps the request body. Reads past the limit fail and surface as
// 413 in the ingestion handler.
func BodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// Authenticate verifies the Basic publicKey:secretKey header and parks the
// auth result in the request context. Store failures are 500s, not 401s: a
// broken database must not read as a revoked key.
func Authenticate(verifier *auth.Verifier, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := verifier.VerifyAuthHeader(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			logger.Error("verifying credentials", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, internalErrorBody)
			return
		}
		if !result.ValidKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": result.Error})
			return
		}
		c.Set(authContextKey, result)
		c.Next()
	}
}

// RateLimit admits the authenticated org against the resource budget. Must
// run after Authenticate. A limiter error fails closed: better a spurious 5xx
// than an unmetered free-for-all.
func RateLimit(service *ratelimit.Service, resource ratelimit.Resource, meter *observability.Meter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		result := authResult(c)
		if result == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, internalErrorBody)
			return
		}
		check, err := service.Check(c.Request.Context(), result.APIKey, resource)
		if err != nil {
			logger.Error("rate-limit check failed",
				zap.String("org_id", result.APIKey.OrgID),
				zap.String("resource", string(resource)),
				zap.Error(err),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, internalErrorBody)
			return
		}
		if check.Exceeded() {
			meter.RecordIncrement("rate_limit_exceeded_total", 1, map[string]string{
				observability.OrgLabel:      result.APIKey.OrgID,
				observability.PlanLabel:     result.APIKey.Plan,
				observability.ResourceLabel: string(resource),
			})
			writeRateLimitHeaders(c, check)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, check *ratelimit.Result) {
	retryAfter := (check.MsBeforeNext + 999) / 1000
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", check.Points))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", check.RemainingPoints))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Duration(check.MsBeforeNext)*time.Millisecond).Unix()))
}

func authResult(c *gin.Context) *auth.Result {
	if v, ok := c.Get(authContextKey); ok {
		if result, ok := v.(*auth.Result); ok {
			return result
		}
	}
	return nil
}
