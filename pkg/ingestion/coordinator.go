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

package ingestion

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/dispatch"
	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/events"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/storage"
)

const (
	maxAttempts = 3
	retryDelay  = 100 * time.Millisecond
	retryJitter = 100 * time.Millisecond

	unknownEventID = "unknown"
)

// Success is one accepted batch slot.
type Success struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
}

// Failure is one rejected batch slot. Message is safe for clients; Error
// carries detail for domain failures only.
type Failure struct {
	ID      string `json:"id"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// Response is the multi-status ingestion result. Both slices are always
// present so an empty batch yields empty arrays, not nulls.
type Response struct {
	Errors    []Failure `json:"errors"`
	Successes []Success `json:"successes"`
}

// Coordinator fans an ingestion batch out to the per-type processors. Each
// event succeeds or fails independently; one malformed event never sinks its
// batch.
type Coordinator struct {
	store      *storage.Store
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	tracker    *observability.Tracker
	meter      *observability.Meter
	logger     *zap.Logger
}

func NewCoordinator(
	store *storage.Store,
	registry *Registry,
	dispatcher *dispatch.Dispatcher,
	tracker *observability.Tracker,
	meter *observability.Meter,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		tracker:    tracker,
		meter:      meter,
		logger:     logger,
	}
}

// ProcessBatch validates, cleans, orders and persists every event of the
// envelope, then forwards trace writes to the worker. The returned response
// echoes each event's envelope ID with its individual outcome.
func (c *Coordinator) ProcessBatch(ctx context.Context, scope *auth.Scope, envelope events.Envelope) *Response {
	resp := &Response{Errors: []Failure{}, Successes: []Success{}}

	valid := make([]events.Event, 0, len(envelope.Batch))
	for _, event := range envelope.Batch {
		if err := event.Validate(); err != nil {
			resp.Errors = append(resp.Errors, failureFor(slotID(event), err))
			continue
		}
		event = events.Clean(event)
		// scrubbing can empty a required field, so the cleaned event is
		// validated again
		if err := event.Validate(); err != nil {
			resp.Errors = append(resp.Errors, failureFor(slotID(event), err))
			continue
		}
		if event.Type == events.TraceCreate && bodyString(event.Body, "id") == "" {
			event.Body["id"] = uuid.NewString()
		}
		valid = append(valid, event)
	}

	var traceUpserts []dispatch.TraceUpsert
	for _, event := range events.SortForProcessing(valid) {
		if err := c.processEvent(ctx, scope, envelope.Metadata, event); err != nil {
			c.logger.Warn("event processing failed",
				zap.String("event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.String("project_id", scope.ProjectID),
				zap.Error(err),
			)
			if !errors.IsExpected(err) && !errors.IsDomain(err) {
				c.tracker.TraceException(ctx, err)
			}
			c.meter.RecordIncrement("ingestion_events_total", 1, map[string]string{"outcome": "error"})
			resp.Errors = append(resp.Errors, failureFor(event.ID, err))
			continue
		}
		c.meter.RecordIncrement("ingestion_events_total", 1, map[string]string{"outcome": "success"})
		resp.Successes = append(resp.Successes, Success{ID: event.ID, Status: http.StatusCreated})

		if event.Type == events.TraceCreate {
			traceUpserts = append(traceUpserts, dispatch.TraceUpsert{
				TraceID:   bodyString(event.Body, "id"),
				ProjectID: scope.ProjectID,
			})
		}
	}

	c.dispatcher.DispatchTraceUpserts(ctx, traceUpserts)
	return resp
}

// processEvent persists the audit record and runs the typed processor,
// retrying transient failures. Client errors never retry.
func (c *Coordinator) processEvent(ctx context.Context, scope *auth.Scope, metadata map[string]any, event events.Event) error {
	if scope.AccessLevel != auth.AccessLevelAll && event.Type != events.ScoreCreate {
		return errors.NewAuthentication("access level %q may only submit scores", string(scope.AccessLevel))
	}
	processor, err := c.registry.Resolve(event.Type)
	if err != nil {
		return err
	}

	auditID := uuid.NewString()
	return retry.Do(
		func() error {
			if err := c.audit(ctx, auditID, scope.ProjectID, metadata, event); err != nil {
				return err
			}
			return processor.Process(ctx, scope.ProjectID, event)
		},
		retry.Attempts(maxAttempts),
		retry.RetryIf(errors.IsRetryable),
		retry.Delay(retryDelay),
		retry.MaxJitter(retryJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
	)
}

// audit appends the cleaned event verbatim before typed processing, so a
// processor bug never loses the raw payload.
func (c *Coordinator) audit(ctx context.Context, auditID, projectID string, metadata map[string]any, event events.Event) error {
	payload, err := json.Marshal(event.Body)
	if err != nil {
		return errors.NewBadRequest("event body is not serializable: %s", err)
	}
	var meta []byte
	if len(metadata) > 0 {
		if meta, err = json.Marshal(metadata); err != nil {
			return errors.NewBadRequest("envelope metadata is not serializable: %s", err)
		}
	}
	return c.store.CreateIngestionEvent(ctx, &storage.IngestionEvent{
		ID:        auditID,
		ProjectID: projectID,
		EventID:   event.ID,
		EventType: string(event.Type),
		Payload:   payload,
		Metadata:  meta,
		CreatedAt: time.Now(),
	})
}

func slotID(event events.Event) string {
	if event.ID == "" {
		return unknownEventID
	}
	return event.ID
}

func failureFor(id string, err error) Failure {
	failure := Failure{
		ID:      id,
		Status:  errors.StatusCode(err),
		Message: errors.DisplayMessage(err),
	}
	if errors.IsDomain(err) {
		failure.Error = err.Error()
	}
	return failure
}

func bodyString(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}
