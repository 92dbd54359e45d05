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

// Package workers hosts the queue consumers of the evaluation pipeline: the
// job creator fans trace writes out into evaluation jobs, the executor runs
// them. Both re-throw failures so the queue's redelivery applies, and both
// report depth, wait and processing metrics per consumed entry.
package workers

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/evals"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/queue"
)

const queueDepthInterval = 10 * time.Second

// JobCreator is the slice of the evaluation service the creator worker uses.
type JobCreator interface {
	CreateEvalJobs(ctx context.Context, event evals.TraceUpsertEvent) error
}

// EvalJobCreator consumes the trace-upsert stream and materializes pending
// evaluation jobs. Each consumed entry opens a fresh trace: the upstream
// ingestion request has long since returned.
type EvalJobCreator struct {
	queue   *queue.Queue
	service JobCreator
	tracker *observability.Tracker
	meter   *observability.Meter
	logger  *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEvalJobCreator(q *queue.Queue, service JobCreator, tracker *observability.Tracker, meter *observability.Meter, logger *zap.Logger) *EvalJobCreator {
	return &EvalJobCreator{
		queue:   q,
		service: service,
		tracker: tracker,
		meter:   meter,
		logger:  logger.Named("eval-job-creator"),
		quit:    make(chan struct{}),
	}
}

func (w *EvalJobCreator) Start(ctx context.Context) error {
	if err := w.queue.Start(ctx, w.handle); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.reportDepth(ctx)
	return nil
}

func (w *EvalJobCreator) Stop() {
	close(w.quit)
	w.queue.Stop()
	w.wg.Wait()
}

func (w *EvalJobCreator) handle(ctx context.Context, msg *queue.Message) error {
	w.meter.RecordIncrement("trace_upsert_queue_request_total", 1, nil)
	if !msg.EnqueuedAt.IsZero() {
		w.meter.RecordHistogram("trace_upsert_queue_wait_time", time.Since(msg.EnqueuedAt).Seconds(), nil)
	}

	var event evals.TraceUpsertEvent
	if err := msg.Decode(&event); err != nil {
		// an undecodable payload can never succeed; drop it
		w.logger.Error("dropping undecodable trace upsert", zap.String("entry", msg.ID), zap.Error(err))
		w.tracker.TraceException(ctx, err)
		return nil
	}

	start := time.Now()
	err := w.tracker.Instrument(ctx, observability.SpanOptions{
		Name:     "evalJobCreator",
		RootSpan: true,
		Kind:     trace.SpanKindConsumer,
	}, func(ctx context.Context) error {
		return w.service.CreateEvalJobs(ctx, event)
	})
	w.meter.RecordHistogram("trace_upsert_queue_processing_time", time.Since(start).Seconds(), nil)

	if err != nil {
		fields := []zap.Field{
			zap.String("trace_id", event.TraceID),
			zap.String("project_id", event.ProjectID),
			zap.Error(err),
		}
		if errors.IsExpected(err) {
			w.logger.Debug("creating evaluation jobs failed with expected error", fields...)
		} else {
			w.logger.Error("creating evaluation jobs", fields...)
			w.tracker.TraceException(ctx, err)
		}
		return err
	}
	return nil
}

func (w *EvalJobCreator) reportDepth(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(queueDepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := w.queue.Length(ctx); err == nil {
				w.meter.RecordGauge("trace_upsert_queue_length", float64(depth), nil)
			}
		}
	}
}
