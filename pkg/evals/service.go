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

// Package evals creates and runs evaluation jobs. A trace write fans out
// into at most one job execution per active matching configuration; each
// execution later runs an evaluator and attaches its verdict as a score.
package evals

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/queue"
	"github.com/traceprism/traceprism/pkg/storage"
)

// TraceUpsertEvent is the queue payload announcing a trace write.
type TraceUpsertEvent struct {
	TraceID   string `json:"traceId"`
	ProjectID string `json:"projectId"`
}

// EvaluationExecutionEvent is the queue payload scheduling one job execution.
type EvaluationExecutionEvent struct {
	ProjectID      string `json:"projectId"`
	JobExecutionID string `json:"jobExecutionId"`
	DelaySeconds   int    `json:"delaySeconds,omitempty"`
}

const (
	targetObjectTrace = "trace"
	scoreSourceEval   = "EVAL"
)

// Service owns the evaluation domain logic behind both workers.
type Service struct {
	store      *storage.Store
	execQueue  *queue.Queue
	evaluators map[string]Evaluator
	logger     *zap.Logger
}

func NewService(store *storage.Store, execQueue *queue.Queue, logger *zap.Logger) *Service {
	s := &Service{
		store:      store,
		execQueue:  execQueue,
		evaluators: map[string]Evaluator{},
		logger:     logger,
	}
	s.RegisterEvaluator(KeywordEvaluator{})
	return s
}

// RegisterEvaluator makes an evaluator addressable from job configurations.
func (s *Service) RegisterEvaluator(e Evaluator) {
	s.evaluators[e.Name()] = e
}

// CreateEvalJobs materializes pending job executions for one trace write.
// Creation is idempotent per (configuration, trace): redelivered trace
// upserts and repeated writes of the same trace reuse the existing execution.
func (s *Service) CreateEvalJobs(ctx context.Context, event TraceUpsertEvent) error {
	configs, err := s.store.ActiveJobConfigurations(ctx, event.ProjectID, targetObjectTrace)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}

	trace, err := s.store.GetTrace(ctx, event.ProjectID, event.TraceID)
	if err != nil {
		return err
	}

	for _, config := range configs {
		if existing, err := s.store.FindJobExecutionForTrace(ctx, event.ProjectID, config.ID, event.TraceID); err != nil {
			return err
		} else if existing != nil {
			continue
		}
		if !MatchesFilter(trace, config.Filter) {
			continue
		}
		if !sampled(config.ID, event.TraceID, config.SamplingRate) {
			s.logger.Debug("trace not sampled for evaluation",
				zap.String("trace_id", event.TraceID),
				zap.String("config_id", config.ID),
			)
			continue
		}

		exec := &storage.JobExecution{
			ID:                 uuid.NewString(),
			ProjectID:          event.ProjectID,
			JobConfigurationID: config.ID,
			JobInputTraceID:    event.TraceID,
			Status:             storage.JobExecutionPending,
			CreatedAt:          time.Now(),
			UpdatedAt:          time.Now(),
		}
		if err := s.store.CreateJobExecution(ctx, exec); err != nil {
			return err
		}
		if err := s.execQueue.Enqueue(ctx, EvaluationExecutionEvent{
			ProjectID:      event.ProjectID,
			JobExecutionID: exec.ID,
			DelaySeconds:   config.DelaySeconds,
		}); err != nil {
			return err
		}
		s.logger.Info("created evaluation job",
			zap.String("job_execution_id", exec.ID),
			zap.String("trace_id", event.TraceID),
			zap.String("config_id", config.ID),
		)
	}
	return nil
}

// Evaluate runs one scheduled job execution end to end: load the trace, run
// the configured evaluator, attach the verdict as a score and close the
// execution. Terminal executions are skipped so redeliveries are harmless.
func (s *Service) Evaluate(ctx context.Context, event EvaluationExecutionEvent) error {
	exec, err := s.store.GetJobExecution(ctx, event.ProjectID, event.JobExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		s.logger.Debug("skipping terminal job execution", zap.String("job_execution_id", exec.ID))
		return nil
	}
	if err := s.store.StartJobExecution(ctx, event.ProjectID, exec.ID, time.Now()); err != nil {
		return err
	}

	config, err := s.store.GetJobConfiguration(ctx, event.ProjectID, exec.JobConfigurationID)
	if err != nil {
		return err
	}
	trace, err := s.store.GetTrace(ctx, event.ProjectID, exec.JobInputTraceID)
	if err != nil {
		return err
	}
	evaluator, ok := s.evaluators[config.Evaluator]
	if !ok {
		return errors.NewConfig("no evaluator %q registered for configuration %s", config.Evaluator, config.ID)
	}

	verdict, err := evaluator.Evaluate(ctx, trace, config)
	if err != nil {
		return err
	}

	score := &storage.Score{
		ID:        uuid.NewString(),
		ProjectID: event.ProjectID,
		TraceID:   trace.ID,
		Name:      config.ScoreName,
		Value:     &verdict.Value,
		Source:    scoreSourceEval,
		Timestamp: time.Now(),
	}
	if verdict.Comment != "" {
		score.Comment = &verdict.Comment
	}
	if err := s.store.UpsertScore(ctx, score); err != nil {
		return err
	}
	return s.store.CompleteJobExecution(ctx, event.ProjectID, exec.ID, score.ID, time.Now())
}

// MarkFailed records a terminal ERROR on the execution with a user-safe
// message. Called by the executor after its retries are spent.
func (s *Service) MarkFailed(ctx context.Context, event EvaluationExecutionEvent, cause error) error {
	return s.store.MarkJobExecutionError(ctx, event.ProjectID, event.JobExecutionID, errors.DisplayMessage(cause), time.Now())
}

// sampled deterministically hashes the (configuration, trace) pair into
// [0, 1) and admits it when below the sampling rate. Determinism keeps the
// decision stable across redeliveries.
func sampled(configID, traceID string, rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	h := fnv.New64a()
	h.Write([]byte(configID))
	h.Write([]byte(":"))
	h.Write([]byte(traceID))
	return float64(h.Sum64()%10_000)/10_000 < rate
}
