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

	"github.com/traceprism/traceprism/pkg/evals"
	"github.com/traceprism/traceprism/pkg/operator"
	"github.com/traceprism/traceprism/pkg/operator/options"
	"github.com/traceprism/traceprism/pkg/queue"
	"github.com/traceprism/traceprism/pkg/server"
	"github.com/traceprism/traceprism/pkg/workers"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()
	opts := options.NewWorkerOptions().MustParse()

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

	traceQueue := queue.New(op.Redis, queue.StreamTraceUpsert, op.Logger, queue.Options{
		Concurrency:       opts.CreatorConcurrency,
		VisibilityTimeout: opts.QueueVisibilityTimeout,
	})
	execQueue := queue.New(op.Redis, queue.StreamEvaluationExecution, op.Logger, queue.Options{
		Concurrency:       opts.ExecutorConcurrency,
		VisibilityTimeout: opts.QueueVisibilityTimeout,
	})

	service := evals.NewService(op.Store, execQueue, op.Logger)
	creator := workers.NewEvalJobCreator(traceQueue, service, op.Tracker, op.Meter, op.Logger)
	executor := workers.NewEvalJobExecutor(execQueue, service, op.Tracker, op.Meter, op.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := creator.Start(ctx); err != nil {
		op.Logger.Fatal("starting eval job creator", zap.Error(err))
	}
	if err := executor.Start(ctx); err != nil {
		op.Logger.Fatal("starting eval job executor", zap.Error(err))
	}

	router := server.NewWorkerRouter(server.WorkerConfig{
		Password:   opts.WorkerPassword,
		TraceQueue: traceQueue,
		Registry:   op.Registry,
		Logger:     op.Logger,
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		op.Logger.Info("worker API listening", zap.Int("port", opts.Port))
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
	creator.Stop()
	executor.Stop()
}
