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

package workers_test

import (
	"context"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/evals"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/queue"
	"github.com/traceprism/traceprism/pkg/workers"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubCreator struct {
	mu     sync.Mutex
	events []evals.TraceUpsertEvent
	err    error
}

func (s *stubCreator) CreateEvalJobs(_ context.Context, event evals.TraceUpsertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *stubCreator) seen() []evals.TraceUpsertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]evals.TraceUpsertEvent(nil), s.events...)
}

type stubRunner struct {
	mu      sync.Mutex
	ran     []evals.EvaluationExecutionEvent
	failed  []error
	evalErr error
	markErr error
}

func (s *stubRunner) Evaluate(_ context.Context, event evals.EvaluationExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, event)
	return s.evalErr
}

func (s *stubRunner) MarkFailed(_ context.Context, _ evals.EvaluationExecutionEvent, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, cause)
	return s.markErr
}

func (s *stubRunner) failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failed...)
}

func (s *stubRunner) runs() []evals.EvaluationExecutionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]evals.EvaluationExecutionEvent(nil), s.ran...)
}

var _ = Describe("Workers", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		mr      *miniredis.Miniredis
		client  *redis.Client
		tracker *observability.Tracker
		meter   *observability.Meter
	)

	newQueue := func(stream string) *queue.Queue {
		return queue.New(client, stream, zap.NewNop(), queue.Options{
			Group:         "test-group",
			Consumer:      "test-consumer",
			BlockDuration: 10 * time.Millisecond,
		})
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		tracker = observability.NewTracker(zap.NewNop(), false)
		meter = observability.NewMeter(prometheus.NewRegistry())
	})
	AfterEach(func() {
		cancel()
		Expect(client.Close()).To(Succeed())
		mr.Close()
	})

	Describe("EvalJobCreator", func() {
		It("should hand consumed trace upserts to the service", func() {
			q := newQueue(queue.StreamTraceUpsert)
			creator := &stubCreator{}
			worker := workers.NewEvalJobCreator(q, creator, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.TraceUpsertEvent{TraceID: "trace-1", ProjectID: "proj-1"})).To(Succeed())

			Eventually(creator.seen, 5*time.Second, 10*time.Millisecond).Should(ConsistOf(
				evals.TraceUpsertEvent{TraceID: "trace-1", ProjectID: "proj-1"},
			))
		})

		It("should leave failed entries pending for redelivery", func() {
			q := newQueue(queue.StreamTraceUpsert)
			creator := &stubCreator{err: context.DeadlineExceeded}
			worker := workers.NewEvalJobCreator(q, creator, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.TraceUpsertEvent{TraceID: "trace-1", ProjectID: "proj-1"})).To(Succeed())

			Eventually(func() int { return len(creator.seen()) }, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
			summary, err := client.XPending(ctx, queue.StreamTraceUpsert, "test-group").Result()
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Count).To(BeNumerically("==", 1))
		})

		It("should not log expected failures at error level", func() {
			core, logs := observer.New(zapcore.DebugLevel)
			q := newQueue(queue.StreamTraceUpsert)
			creator := &stubCreator{err: errors.NewAPI("API key for provider %q is not configured", "openai")}
			worker := workers.NewEvalJobCreator(q, creator, tracker, meter, zap.New(core))
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.TraceUpsertEvent{TraceID: "trace-1", ProjectID: "proj-1"})).To(Succeed())

			Eventually(func() int { return len(creator.seen()) }, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(logs.FilterLevelExact(zapcore.ErrorLevel).All()).To(BeEmpty())
			Expect(logs.FilterMessage("creating evaluation jobs failed with expected error").All()).ToNot(BeEmpty())
		})

		It("should drop undecodable payloads", func() {
			q := newQueue(queue.StreamTraceUpsert)
			creator := &stubCreator{}
			worker := workers.NewEvalJobCreator(q, creator, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, "not an event")).To(Succeed())

			Eventually(func() int64 {
				summary, err := client.XPending(ctx, queue.StreamTraceUpsert, "test-group").Result()
				if err != nil {
					return -1
				}
				return summary.Count
			}, 5*time.Second, 10*time.Millisecond).Should(BeNumerically("==", 0))
			Expect(creator.seen()).To(BeEmpty())
		})
	})

	Describe("EvalJobExecutor", func() {
		It("should run scheduled jobs", func() {
			q := newQueue(queue.StreamEvaluationExecution)
			runner := &stubRunner{}
			worker := workers.NewEvalJobExecutor(q, runner, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.EvaluationExecutionEvent{ProjectID: "proj-1", JobExecutionID: "exec-1"})).To(Succeed())

			Eventually(runner.runs, 5*time.Second, 10*time.Millisecond).Should(ConsistOf(
				evals.EvaluationExecutionEvent{ProjectID: "proj-1", JobExecutionID: "exec-1"},
			))
			Expect(runner.failures()).To(BeEmpty())
		})

		It("should mark failed jobs before re-throwing", func() {
			q := newQueue(queue.StreamEvaluationExecution)
			runner := &stubRunner{evalErr: context.DeadlineExceeded}
			worker := workers.NewEvalJobExecutor(q, runner, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.EvaluationExecutionEvent{ProjectID: "proj-1", JobExecutionID: "exec-1"})).To(Succeed())

			Eventually(func() int { return len(runner.failures()) }, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(runner.failures()[0]).To(MatchError(context.DeadlineExceeded))

			summary, err := client.XPending(ctx, queue.StreamEvaluationExecution, "test-group").Result()
			Expect(err).ToNot(HaveOccurred())
			Expect(summary.Count).To(BeNumerically("==", 1))
		})

		It("should mark expected failures too", func() {
			q := newQueue(queue.StreamEvaluationExecution)
			runner := &stubRunner{evalErr: errors.NewAPI("API key for provider %q is not configured", "openai")}
			worker := workers.NewEvalJobExecutor(q, runner, tracker, meter, zap.NewNop())
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.EvaluationExecutionEvent{ProjectID: "proj-1", JobExecutionID: "exec-1"})).To(Succeed())

			Eventually(func() int { return len(runner.failures()) }, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(errors.IsExpected(runner.failures()[0])).To(BeTrue())
		})

		It("should not log expected failures at error level", func() {
			core, logs := observer.New(zapcore.DebugLevel)
			q := newQueue(queue.StreamEvaluationExecution)
			runner := &stubRunner{evalErr: errors.NewAPI("API key for provider %q is not configured", "openai")}
			worker := workers.NewEvalJobExecutor(q, runner, tracker, meter, zap.New(core))
			Expect(worker.Start(ctx)).To(Succeed())
			defer worker.Stop()

			Expect(q.Enqueue(ctx, evals.EvaluationExecutionEvent{ProjectID: "proj-1", JobExecutionID: "exec-1"})).To(Succeed())

			Eventually(func() int { return len(runner.failures()) }, 5*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(logs.FilterLevelExact(zapcore.ErrorLevel).All()).To(BeEmpty())
			Expect(logs.FilterMessage("evaluation job failed with expected error").All()).ToNot(BeEmpty())
		})
	})
})
