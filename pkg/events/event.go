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

package events

import (
	"time"

	"github.com/samber/lo"

	"github.com/traceprism/traceprism/pkg/errors"
)

// Type enumerates the closed set of inbound event types.
type Type string

const (
	TraceCreate       Type = "TRACE_CREATE"
	ObservationCreate Type = "OBSERVATION_CREATE"
	ObservationUpdate Type = "OBSERVATION_UPDATE"
	SpanCreate        Type = "SPAN_CREATE"
	SpanUpdate        Type = "SPAN_UPDATE"
	GenerationCreate  Type = "GENERATION_CREATE"
	GenerationUpdate  Type = "GENERATION_UPDATE"
	EventCreate       Type = "EVENT_CREATE"
	ScoreCreate       Type = "SCORE_CREATE"
	SDKLog            Type = "SDK_LOG"
)

var knownTypes = []Type{
	TraceCreate,
	ObservationCreate, ObservationUpdate,
	SpanCreate, SpanUpdate,
	GenerationCreate, GenerationUpdate,
	EventCreate,
	ScoreCreate,
	SDKLog,
}

var updateTypes = []Type{ObservationUpdate, SpanUpdate, GenerationUpdate}

// Event is one element of an ingestion batch. The envelope ID is
// client-supplied and is echoed verbatim in the multi-status response; the
// body is the type-specific payload.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp string         `json:"timestamp"`
	Body      map[string]any `json:"body"`
}

// Envelope is the top-level ingestion request.
type Envelope struct {
	Batch    []Event        `json:"batch"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// IsUpdate reports whether the event mutates an already-persisted
// observation. Updates are processed after all non-update events of the same
// batch so that a create and its update land in order.
func (e Event) IsUpdate() bool {
	return lo.Contains(updateTypes, e.Type)
}

// Validate checks the envelope attributes and the type-specific body shape.
// All failures are BadRequestError.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.NewBadRequest("event is missing an id")
	}
	if !lo.Contains(knownTypes, e.Type) {
		return errors.NewBadRequest("unknown event type %q", string(e.Type))
	}
	if e.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
			return errors.NewBadRequest("invalid timestamp %q: must be RFC 3339", e.Timestamp)
		}
	}
	if e.Body == nil {
		return errors.NewBadRequest("event %s has no body", e.ID)
	}
	return e.validateBody()
}

func (e Event) validateBody() error {
	switch e.Type {
	case TraceCreate:
		// body id is optional; the processor assigns one when absent
		return nil
	case ObservationCreate, SpanCreate, GenerationCreate, EventCreate:
		if stringField(e.Body, "id") == "" {
			return errors.NewBadRequest("observation event %s is missing body.id", e.ID)
		}
		return nil
	case ObservationUpdate, SpanUpdate, GenerationUpdate:
		if stringField(e.Body, "id") == "" && stringField(e.Body, "observationId") == "" {
			return errors.NewBadRequest("observation update %s is missing body.id", e.ID)
		}
		return nil
	case ScoreCreate:
		if stringField(e.Body, "name") == "" {
			return errors.NewBadRequest("score event %s is missing body.name", e.ID)
		}
		if _, hasValue := e.Body["value"]; !hasValue {
			return errors.NewBadRequest("score event %s is missing body.value", e.ID)
		}
		return nil
	case SDKLog:
		if _, hasLog := e.Body["log"]; !hasLog {
			return errors.NewBadRequest("sdk log event %s is missing body.log", e.ID)
		}
		return nil
	}
	return errors.NewBadRequest("unknown event type %q", string(e.Type))
}

// SortForProcessing stably partitions a batch so that every non-update event
// precedes every update event, each side keeping its original order.
func SortForProcessing(batch []Event) []Event {
	creates := lo.Filter(batch, func(e Event, _ int) bool { return !e.IsUpdate() })
	updates := lo.Filter(batch, func(e Event, _ int) bool { return e.IsUpdate() })
	return append(creates, updates...)
}

func stringField(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}
