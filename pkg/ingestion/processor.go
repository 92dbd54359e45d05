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

// Package ingestion turns validated event batches into persisted telemetry.
// A registry maps each event type onto its processor; the coordinator drives
// per-event isolation, retries and the multi-status response.
package ingestion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/events"
	"github.com/traceprism/traceprism/pkg/storage"
)

// Processor persists one event type. Implementations must be idempotent:
// the coordinator retries transient failures and clients replay batches.
type Processor interface {
	Process(ctx context.Context, projectID string, event events.Event) error
}

// Registry resolves the processor for an event type.
type Registry struct {
	processors map[events.Type]Processor
}

// NewRegistry wires the built-in processors against the store.
func NewRegistry(store *storage.Store) *Registry {
	traces := &traceProcessor{store: store}
	observations := &observationProcessor{store: store}
	scores := &scoreProcessor{store: store}
	sdkLogs := &sdkLogProcessor{store: store}

	return &Registry{processors: map[events.Type]Processor{
		events.TraceCreate:       traces,
		events.ObservationCreate: observations,
		events.ObservationUpdate: observations,
		events.SpanCreate:        observations,
		events.SpanUpdate:        observations,
		events.GenerationCreate:  observations,
		events.GenerationUpdate:  observations,
		events.EventCreate:       observations,
		events.ScoreCreate:       scores,
		events.SDKLog:            sdkLogs,
	}}
}

// Register installs or replaces the processor for an event type.
func (r *Registry) Register(t events.Type, p Processor) {
	r.processors[t] = p
}

// Resolve returns the processor for the event type.
func (r *Registry) Resolve(t events.Type) (Processor, error) {
	processor, ok := r.processors[t]
	if !ok {
		return nil, errors.NewBadRequest("no processor for event type %q", string(t))
	}
	return processor, nil
}

// decodeBody re-marshals the generic body into a typed struct. Shape
// mismatches are client errors.
func decodeBody(body map[string]any, v any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.NewBadRequest("event body is not serializable: %s", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewBadRequest("invalid event body: %s", err)
	}
	return nil
}

type traceBody struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UserID    string         `json:"userId"`
	SessionID string         `json:"sessionId"`
	Release   string         `json:"release"`
	Version   string         `json:"version"`
	Public    bool           `json:"public"`
	Timestamp *time.Time     `json:"timestamp"`
	Metadata  datatypes.JSON `json:"metadata"`
	Input     datatypes.JSON `json:"input"`
	Output    datatypes.JSON `json:"output"`
}

type traceProcessor struct {
	store *storage.Store
}

func (p *traceProcessor) Process(ctx context.Context, projectID string, event events.Event) error {
	var body traceBody
	if err := decodeBody(event.Body, &body); err != nil {
		return err
	}
	trace := &storage.Trace{
		ID:        body.ID,
		ProjectID: projectID,
		Name:      body.Name,
		UserID:    body.UserID,
		SessionID: body.SessionID,
		Release:   body.Release,
		Version:   body.Version,
		Public:    body.Public,
		Metadata:  body.Metadata,
		Input:     body.Input,
		Output:    body.Output,
	}
	if body.Timestamp != nil {
		trace.Timestamp = *body.Timestamp
	} else {
		trace.Timestamp = time.Now()
	}
	return p.store.UpsertTrace(ctx, trace)
}

type observationBody struct {
	ID                  string         `json:"id"`
	ObservationID       string         `json:"observationId"`
	TraceID             string         `json:"traceId"`
	Type                string         `json:"type"`
	Name                string         `json:"name"`
	StartTime           *time.Time     `json:"startTime"`
	EndTime             *time.Time     `json:"endTime"`
	CompletionStartTime *time.Time     `json:"completionStartTime"`
	Model               string         `json:"model"`
	ModelParameters     datatypes.JSON `json:"modelParameters"`
	Input               datatypes.JSON `json:"input"`
	Output              datatypes.JSON `json:"output"`
	Metadata            datatypes.JSON `json:"metadata"`
	Level               string         `json:"level"`
	StatusMessage       string         `json:"statusMessage"`
	ParentObservationID string         `json:"parentObservationId"`
	Usage               struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	} `json:"usage"`
}

type observationProcessor struct {
	store *storage.Store
}

func (p *observationProcessor) Process(ctx context.Context, projectID string, event events.Event) error {
	var body observationBody
	if err := decodeBody(event.Body, &body); err != nil {
		return err
	}
	id := body.ID
	if id == "" {
		// legacy updates address the row via observationId
		id = body.ObservationID
	}
	obs := &storage.Observation{
		ID:                  id,
		ProjectID:           projectID,
		TraceID:             body.TraceID,
		Type:                observationType(event.Type, body.Type),
		Name:                body.Name,
		EndTime:             body.EndTime,
		CompletionStartTime: body.CompletionStartTime,
		Model:               body.Model,
		ModelParameters:     body.ModelParameters,
		Input:               body.Input,
		Output:              body.Output,
		Metadata:            body.Metadata,
		Level:               body.Level,
		StatusMessage:       body.StatusMessage,
		ParentObservationID: body.ParentObservationID,
		PromptTokens:        body.Usage.PromptTokens,
		CompletionTokens:    body.Usage.CompletionTokens,
	}
	if body.StartTime != nil {
		obs.StartTime = *body.StartTime
	}
	return p.store.UpsertObservation(ctx, obs)
}

// observationType derives the stored type from the event type, preferring the
// explicit body field carried by the generic OBSERVATION_* events.
func observationType(eventType events.Type, bodyType string) string {
	if bodyType != "" {
		return bodyType
	}
	switch eventType {
	case events.SpanCreate, events.SpanUpdate:
		return "SPAN"
	case events.GenerationCreate, events.GenerationUpdate:
		return "GENERATION"
	default:
		return "EVENT"
	}
}

type scoreBody struct {
	ID            string     `json:"id"`
	TraceID       string     `json:"traceId"`
	ObservationID *string    `json:"observationId"`
	Name          string     `json:"name"`
	Value         any        `json:"value"`
	Comment       *string    `json:"comment"`
	Timestamp     *time.Time `json:"timestamp"`
}

type scoreProcessor struct {
	store *storage.Store
}

func (p *scoreProcessor) Process(ctx context.Context, projectID string, event events.Event) error {
	var body scoreBody
	if err := decodeBody(event.Body, &body); err != nil {
		return err
	}
	score := &storage.Score{
		ID:            body.ID,
		ProjectID:     projectID,
		TraceID:       body.TraceID,
		ObservationID: body.ObservationID,
		Name:          body.Name,
		Source:        "API",
		Comment:       body.Comment,
	}
	if score.ID == "" {
		score.ID = uuid.NewString()
	}
	if body.Timestamp != nil {
		score.Timestamp = *body.Timestamp
	} else {
		score.Timestamp = time.Now()
	}
	switch v := body.Value.(type) {
	case float64:
		score.Value = &v
	case string:
		score.StringValue = &v
	default:
		return errors.NewBadRequest("score %s value must be a number or string", event.ID)
	}
	return p.store.UpsertScore(ctx, score)
}

type sdkLogProcessor struct {
	store *storage.Store
}

func (p *sdkLogProcessor) Process(ctx context.Context, projectID string, event events.Event) error {
	raw, err := json.Marshal(event.Body["log"])
	if err != nil {
		return errors.NewBadRequest("sdk log body is not serializable: %s", err)
	}
	return p.store.CreateSDKLog(ctx, &storage.SDKLogEntry{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Log:       raw,
		CreatedAt: time.Now(),
	})
}
