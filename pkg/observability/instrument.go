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

package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/traceprism/traceprism"

// SpanOptions controls how Instrument opens a span.
type SpanOptions struct {
	Name string
	// RootSpan forces a new root span regardless of any context carried in
	// the job metadata. The trace-upsert consumer is a root; the
	// eval-execution consumer is a child of its creator.
	RootSpan bool
	Kind     trace.SpanKind
	// Carrier optionally holds W3C trace-context headers extracted from job
	// metadata; ignored when RootSpan is set.
	Carrier map[string]string
}

// Tracker is the tracing half of the observability facade. Exception capture
// is toggled by configuration (set when an error-tracker DSN is present).
type Tracker struct {
	logger         *zap.Logger
	captureEnabled bool
}

func NewTracker(logger *zap.Logger, captureEnabled bool) *Tracker {
	return &Tracker{logger: logger, captureEnabled: captureEnabled}
}

// Instrument runs fn inside a span, propagating incoming context from the
// carrier when present and recording any error on the span before returning
// it unchanged.
func (t *Tracker) Instrument(ctx context.Context, opts SpanOptions, fn func(ctx context.Context) error) error {
	tracer := otel.Tracer(tracerName)

	startOpts := []trace.SpanStartOption{trace.WithSpanKind(opts.Kind)}
	if opts.RootSpan {
		startOpts = append(startOpts, trace.WithNewRoot())
	} else if len(opts.Carrier) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(opts.Carrier))
	}

	ctx, span := tracer.Start(ctx, opts.Name, startOpts...)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Inject writes the current span context into a carrier suitable for queue
// job metadata.
func Inject(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// TraceException forwards an error to the exception tracker. Expected
// operational errors are filtered by the callers, not here.
func (t *Tracker) TraceException(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
	}
	if !t.captureEnabled {
		return
	}
	t.logger.Error("captured exception", zap.Error(err))
}
