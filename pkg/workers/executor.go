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

// JobRunner is the slice of the evaluation service the executor worker uses.
type JobRunner interface {
	Evaluate(ctx context.Context, event evals.EvaluationExecutionEvent) error
	MarkFailed(ctx context.Context, event evals.EvaluationExecutionEvent, cause error) error
}

// EvalJobExecutor consumes the evaluation-execution stream and runs the
// scheduled jobs. Its span continues the creator's trace via the carrier the
// enqueue embedded in the entry.
type EvalJobExecutor struct {
	queue   *queue.Queue
	service JobRunner
	tracker *observability.Tracker
	meter   *observability.Meter
	logger  *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewEvalJobExecutor(q *queue.Queue, service JobRunner, tracker *observability.Tracker, meter *observability.Meter, logger *zap.Logger) *EvalJobExecutor {
	return &EvalJobExecutor{
		queue:   q,
		service: service,
		tracker: tracker,
		meter:   meter,
		logger:  logger.Named("eval-job-executor"),
		quit:    make(chan struct{}),
	}
}

func (w *EvalJobExecutor) Start(ctx context.Context) error {
	if err := w.queue.Start(ctx, w.handle); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.reportDepth(ctx)
	return nil
}

func (w *EvalJobExecutor) Stop() {
	close(w.quit)
	w.queue.Stop()
	w.wg.Wait()
}

func (w *EvalJobExecutor) handle(ctx context.Context, msg *queue.Message) error {
	w.meter.RecordIncrement("eval_execution_request_total", 1, nil)
	if !msg.EnqueuedAt.IsZero() {
		w.meter.RecordHistogram("eval_execution_wait_time", time.Since(msg.EnqueuedAt).Seconds(), nil)
	}

	var event evals.EvaluationExecutionEvent
	if err := msg.Decode(&event); err != nil {
		w.logger.Error("dropping undecodable evaluation job", zap.String("entry", msg.ID), zap.Error(err))
		w.tracker.TraceException(ctx, err)
		return nil
	}

	if err := w.waitUntilDue(ctx, msg, event); err != nil {
		return err
	}

	start := time.Now()
	err := w.tracker.Instrument(ctx, observability.SpanOptions{
		Name:    "evalJobExecutor",
		Kind:    trace.SpanKindConsumer,
		Carrier: msg.Carrier,
	}, func(ctx context.Context) error {
		return w.service.Evaluate(ctx, event)
	})
	w.meter.RecordHistogram("eval_execution_processing_time", time.Since(start).Seconds(), nil)

	if err != nil {
		expected := errors.IsExpected(err)
		fields := []zap.Field{
			zap.String("job_execution_id", event.JobExecutionID),
			zap.String("project_id", event.ProjectID),
			zap.Error(err),
		}
		if expected {
			w.logger.Debug("evaluation job failed with expected error", fields...)
		} else {
			w.logger.Error("evaluation job failed", fields...)
		}
		if markErr := w.service.MarkFailed(ctx, event, err); markErr != nil {
			w.logger.Error("recording job failure", zap.String("job_execution_id", event.JobExecutionID), zap.Error(markErr))
		}
		if !expected {
			w.tracker.TraceException(ctx, err)
		}
		return err
	}
	return nil
}

// waitUntilDue honors the configuration's delay so evaluations see the
// settled trace, not the first partial write.
func (w *EvalJobExecutor) waitUntilDue(ctx context.Context, msg *queue.Message, event evals.EvaluationExecutionEvent) error {
	if event.DelaySeconds <= 0 || msg.EnqueuedAt.IsZero() {
		return nil
	}
	due := msg.EnqueuedAt.Add(time.Duration(event.DelaySeconds) * time.Second)
	remaining := time.Until(due)
	if remaining <= 0 {
		return nil
	}
	select {
	case <-time.After(remaining):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return context.Canceled
	}
}

func (w *EvalJobExecutor) reportDepth(ctx context.Context) {
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
				w.meter.RecordGauge("eval_execution_queue_length", float64(depth), nil)
			}
		}
	}
}
