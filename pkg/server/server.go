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

// Package server builds the HTTP surfaces: the public ingestion API and the
// worker's internal events endpoint.
package server

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/events"
	"github.com/traceprism/traceprism/pkg/ingestion"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/ratelimit"
	"github.com/traceprism/traceprism/pkg/storage"
)

// MaxBodyBytes caps ingestion request bodies at 4.5 MB, matching the limits
// of common serverless proxies so oversized batches fail loudly here instead
// of silently truncating there.
const MaxBodyBytes = int64(4_500_000)

// Config wires the ingestion API router.
type Config struct {
	Verifier    *auth.Verifier
	Limiter     *ratelimit.Service
	Coordinator *ingestion.Coordinator
	Store       *storage.Store
	Meter       *observability.Meter
	Registry    *prometheus.Registry
	Logger      *zap.Logger
}

// NewRouter assembles the public ingestion API.
func NewRouter(cfg Config) *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), RequestLogger(cfg.Logger), cors.Default())

	engine.GET("/health", healthHandler(cfg.Store))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

	api := engine.Group("/api/public")
	api.Use(
		BodyLimit(MaxBodyBytes),
		Authenticate(cfg.Verifier, cfg.Logger),
		RateLimit(cfg.Limiter, ratelimit.ResourceIngestion, cfg.Meter, cfg.Logger),
	)
	api.POST("/ingestion", ingestionHandler(cfg.Coordinator))

	return engine
}

func ingestionHandler(coordinator *ingestion.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var envelope events.Envelope
		if err := c.ShouldBindJSON(&envelope); err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": "request body exceeds the size limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request data", "error": err.Error()})
			return
		}
		result := authResult(c)
		if result == nil {
			c.JSON(http.StatusInternalServerError, internalErrorBody)
			return
		}
		resp := coordinator.ProcessBatch(c.Request.Context(), result.Scope, envelope)
		c.JSON(http.StatusMultiStatus, resp)
	}
}

func healthHandler(store *storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
