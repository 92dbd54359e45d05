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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/dispatch"
	"github.com/traceprism/traceprism/pkg/ingestion"
	"github.com/traceprism/traceprism/pkg/operator"
	"github.com/traceprism/traceprism/pkg/operator/options"
	"github.com/traceprism/traceprism/pkg/ratelimit"
	"github.com/traceprism/traceprism/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	opts := options.NewServerOptions().MustParse()

	op, err := operator.New(operator.Config{
		DatabaseURL:   opts.DatabaseURL,
		RedisAddr:     opts.RedisAddr,
		RedisPassword: opts.RedisPassword,
		RedisDB:       opts.RedisDB,
		LogLevel:      opts.LogLevel,
		SentryDSN:     opts.SentryDSN,
	})
	if err != nil {
		log.Fatalf("initializing: %v", err)
	}
	defer op.Close()

	plans, err := ratelimit.LoadPlans(opts.RateLimitPlansFile)
	if err != nil {
		op.Logger.Fatal("loading rate-limit plans", zap.Error(err))
	}

	dispatcher := dispatch.New(opts.WorkerHost, opts.WorkerPassword, op.Logger, op.Meter)
	coordinator := ingestion.NewCoordinator(
		op.Store,
		ingestion.NewRegistry(op.Store),
		dispatcher,
		op.Tracker,
		op.Meter,
		op.Logger,
	)

	router := server.NewRouter(server.Config{
		Verifier:    auth.NewVerifier(op.Store),
		Limiter:     ratelimit.NewService(op.Redis, plans, opts.RateLimitEnabled()),
		Coordinator: coordinator,
		Store:       op.Store,
		Meter:       op.Meter,
		Registry:    op.Registry,
		Logger:      op.Logger,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		op.Logger.Info("ingestion API listening", zap.Int("port", opts.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			op.Logger.Fatal("serving", zap.Error(err))
		}
	}()

	<-ctx.Done()
	op.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		op.Logger.Error("shutdown", zap.Error(err))
	}
}
