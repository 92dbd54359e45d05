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

// Package options parses the configuration of both binaries from flags and
// environment variables, flags taking precedence.
package options

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/traceprism/traceprism/pkg/utils/env"
)

// ServerOptions configures the public ingestion API binary.
type ServerOptions struct {
	*flag.FlagSet

	Port          int
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Cross-service dispatch; empty WorkerHost disables it.
	WorkerHost     string
	WorkerPassword string

	// Cloud region gates rate limiting: self-hosted installs run unlimited.
	CloudRegion        string
	RateLimitPlansFile string

	// Exception capture is enabled when a DSN is present.
	SentryDSN string

	LogLevel string
}

// NewServerOptions registers the server's flags and environment defaults.
func NewServerOptions() *ServerOptions {
	opts := &ServerOptions{}
	f := flag.NewFlagSet("server", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.Port, "port", env.WithDefaultInt("PORT", 3030), "The port the ingestion API binds to")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection string")
	f.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Redis address for rate limiting and queues")
	f.StringVar(&opts.RedisPassword, "redis-password", env.WithDefaultString("REDIS_PASSWORD", ""), "Redis password")
	f.IntVar(&opts.RedisDB, "redis-db", env.WithDefaultInt("REDIS_DB", 0), "Redis logical database")
	f.StringVar(&opts.WorkerHost, "worker-host", env.WithDefaultString("WORKER_HOST", ""), "Base URL of the worker service; empty disables cross-service dispatch")
	f.StringVar(&opts.WorkerPassword, "worker-password", env.WithDefaultString("WORKER_PASSWORD", ""), "Basic-auth password for the worker's events endpoint")
	f.StringVar(&opts.CloudRegion, "cloud-region", env.WithDefaultString("NEXT_PUBLIC_LANGFUSE_CLOUD_REGION", ""), "Cloud region identifier; set on managed deployments, empty when self-hosted")
	f.StringVar(&opts.RateLimitPlansFile, "rate-limit-plans-file", env.WithDefaultString("RATE_LIMIT_PLANS_FILE", ""), "Optional YAML file overriding the built-in rate-limit plan budgets")
	f.StringVar(&opts.SentryDSN, "sentry-dsn", env.WithDefaultString("NEXT_PUBLIC_SENTRY_DSN", ""), "Exception tracker DSN; empty disables capture")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Minimum log level (debug, info, warn, error)")
	return opts
}

// MustParse reads flags and environment variables, panicking on invalid
// configuration. Startup config errors should be loud, not logged and limped
// past.
func (o *ServerOptions) MustParse() *ServerOptions {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// RateLimitEnabled reports whether this deployment meters requests. Only
// managed cloud regions do.
func (o ServerOptions) RateLimitEnabled() bool {
	return o.CloudRegion != ""
}

// WorkerOptions configures the worker binary.
type WorkerOptions struct {
	*flag.FlagSet

	Port          int
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Password the ingestion side must present on POST /api/events.
	WorkerPassword string

	CreatorConcurrency  int
	ExecutorConcurrency int

	// How long an unacknowledged queue entry stays with its consumer before
	// another one may claim it.
	QueueVisibilityTimeout time.Duration

	SentryDSN string
	LogLevel  string
}

// NewWorkerOptions registers the worker's flags and environment defaults.
func NewWorkerOptions() *WorkerOptions {
	opts := &WorkerOptions{}
	f := flag.NewFlagSet("worker", flag.ContinueOnError)
	opts.FlagSet = f

	f.IntVar(&opts.Port, "port", env.WithDefaultInt("PORT", 3031), "The port the worker's internal API binds to")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection string")
	f.StringVar(&opts.RedisAddr, "redis-addr", env.WithDefaultString("REDIS_ADDR", "localhost:6379"), "Redis address for the work queues")
	f.StringVar(&opts.RedisPassword, "redis-password", env.WithDefaultString("REDIS_PASSWORD", ""), "Redis password")
	f.IntVar(&opts.RedisDB, "redis-db", env.WithDefaultInt("REDIS_DB", 0), "Redis logical database")
	f.StringVar(&opts.WorkerPassword, "worker-password", env.WithDefaultString("WORKER_PASSWORD", ""), "Basic-auth password guarding the events endpoint")
	f.IntVar(&opts.CreatorConcurrency, "eval-creator-concurrency", env.WithDefaultInt("LANGFUSE_EVAL_CREATOR_WORKER_CONCURRENCY", 2), "Parallelism of the evaluation job creator")
	f.IntVar(&opts.ExecutorConcurrency, "eval-executor-concurrency", env.WithDefaultInt("LANGFUSE_EVAL_EXECUTION_WORKER_CONCURRENCY", 5), "Parallelism of the evaluation job executor")
	f.DurationVar(&opts.QueueVisibilityTimeout, "queue-visibility-timeout", env.WithDefaultDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second), "How long an unacknowledged queue entry stays with its consumer before redelivery")
	f.StringVar(&opts.SentryDSN, "sentry-dsn", env.WithDefaultString("NEXT_PUBLIC_SENTRY_DSN", ""), "Exception tracker DSN; empty disables capture")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Minimum log level (debug, info, warn, error)")
	return opts
}

// MustParse reads flags and environment variables, panicking on invalid
// configuration.
func (o *WorkerOptions) MustParse() *WorkerOptions {
	err := o.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}
