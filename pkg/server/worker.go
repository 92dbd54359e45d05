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
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/dispatch"
	"github.com/traceprism/traceprism/pkg/evals"
	"github.com/traceprism/traceprism/pkg/queue"
)

// dispatchUser must match what the ingestion side sends.
const dispatchUser = "server"

// WorkerConfig wires the worker's internal HTTP surface.
type WorkerConfig struct {
	Password   string
	TraceQueue *queue.Queue
	Registry   *prometheus.Registry
	Logger     *zap.Logger
}

// NewWorkerRouter assembles the worker service: the events endpoint the
// ingestion side posts trace upserts to, plus health and metrics.
func NewWorkerRouter(cfg WorkerConfig) *gin.Engine {
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.Recovery(), RequestLogger(cfg.Logger))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

	internal := engine.Group("/api", gin.BasicAuth(gin.Accounts{dispatchUser: cfg.Password}))
	internal.POST("/events", eventsHandler(cfg.TraceQueue, cfg.Logger))

	return engine
}

func eventsHandler(traceQueue *queue.Queue, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var upserts []dispatch.TraceUpsert
		if err := c.ShouldBindJSON(&upserts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request data"})
			return
		}
		for _, upsert := range upserts {
			if upsert.TraceID == "" || upsert.ProjectID == "" {
				continue
			}
			if err := traceQueue.Enqueue(c.Request.Context(), evals.TraceUpsertEvent{
				TraceID:   upsert.TraceID,
				ProjectID: upsert.ProjectID,
			}); err != nil {
				logger.Error("enqueueing trace upsert", zap.String("trace_id", upsert.TraceID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, internalErrorBody)
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"enqueued": len(upserts)})
	}
}
