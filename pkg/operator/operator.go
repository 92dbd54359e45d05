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

// Package operator bootstraps the process-wide dependencies both binaries
// share: logging, the relational store, Redis and the observability facade.
package operator

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/storage"
)

// Config selects the shared backing services.
type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LogLevel      string
	SentryDSN     string
}

// Operator holds the initialized shared dependencies.
type Operator struct {
	Logger   *zap.Logger
	Store    *storage.Store
	Redis    *redis.Client
	Registry *prometheus.Registry
	Meter    *observability.Meter
	Tracker  *observability.Tracker
}

// New connects to the backing services and migrates the schema. Failures are
// returned, not fataled, so callers control process exit.
func New(cfg Config) (*Operator, error) {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	store := storage.New(db)
	if err := store.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Operator{
		Logger:   logger,
		Store:    store,
		Redis:    client,
		Registry: registry,
		Meter:    observability.NewMeter(registry),
		Tracker:  observability.NewTracker(logger, cfg.SentryDSN != ""),
	}, nil
}

// Close releases the backing connections.
func (o *Operator) Close() {
	if sqlDB, err := o.Store.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = o.Redis.Close()
	_ = o.Logger.Sync()
}

func newLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
