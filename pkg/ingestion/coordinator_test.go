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

package ingestion_test

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/traceprism/traceprism/pkg/auth"
	"github.com/traceprism/traceprism/pkg/dispatch"
	"github.com/traceprism/traceprism/pkg/errors"
	"github.com/traceprism/traceprism/pkg/events"
	"github.com/traceprism/traceprism/pkg/ingestion"
	"github.com/traceprism/traceprism/pkg/observability"
	"github.com/traceprism/traceprism/pkg/storage"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var nul = string(rune(0))

type countingProcessor struct {
	calls int
	err   error
}

func (p *countingProcessor) Process(context.Context, string, events.Event) error {
	p.calls++
	return p.err
}

var _ = Describe("Coordinator", func() {
	var (
		ctx         context.Context
		store       *storage.Store
		registry    *ingestion.Registry
		coordinator *ingestion.Coordinator
		scope       *auth.Scope
	)

	BeforeEach(func() {
		ctx = context.Background()
		db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
		Expect(err).ToNot(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).ToNot(HaveOccurred())
		// a second pooled connection would see its own empty in-memory database
		sqlDB.SetMaxOpenConns(1)
		store = storage.New(db)
		Expect(store.AutoMigrate()).To(Succeed())

		meter := observability.NewMeter(prometheus.NewRegistry())
		tracker := observability.NewTracker(zap.NewNop(), false)
		dispatcher := dispatch.New("", "", zap.NewNop(), meter)
		registry = ingestion.NewRegistry(store)
		coordinator = ingestion.NewCoordinator(store, registry, dispatcher, tracker, meter, zap.NewNop())
		scope = &auth.Scope{ProjectID: "proj-1", AccessLevel: auth.AccessLevelAll}
	})

	traceEvent := func(id, traceID string) events.Event {
		return events.Event{
			ID:   id,
			Type: events.TraceCreate,
			Body: map[string]any{"id": traceID, "name": "chat-request"},
		}
	}

	It("should return empty arrays for an empty batch", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{}})
		Expect(resp.Errors).To(BeEmpty())
		Expect(resp.Errors).ToNot(BeNil())
		Expect(resp.Successes).To(BeEmpty())
		Expect(resp.Successes).ToNot(BeNil())
	})

	It("should isolate a malformed event from the rest of its batch", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			traceEvent("evt-1", "trace-1"),
			{ID: "evt-2", Type: "BOGUS_TYPE", Body: map[string]any{}},
			traceEvent("evt-3", "trace-2"),
		}})
		Expect(resp.Successes).To(HaveLen(2))
		Expect(resp.Errors).To(HaveLen(1))
		Expect(resp.Errors[0].ID).To(Equal("evt-2"))
		Expect(resp.Errors[0].Status).To(Equal(http.StatusBadRequest))

		_, err := store.GetTrace(ctx, "proj-1", "trace-1")
		Expect(err).ToNot(HaveOccurred())
		_, err = store.GetTrace(ctx, "proj-1", "trace-2")
		Expect(err).ToNot(HaveOccurred())
	})

	It("should report an event without an id under the unknown slot", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{Type: events.TraceCreate, Body: map[string]any{"id": "trace-1"}},
		}})
		Expect(resp.Errors).To(HaveLen(1))
		Expect(resp.Errors[0].ID).To(Equal("unknown"))
	})

	It("should accept an observation update without a prior create", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{
				ID:   "evt-1",
				Type: events.ObservationUpdate,
				Body: map[string]any{
					"id":      "obs-1",
					"traceId": "trace-1",
					"output":  map[string]any{"text": "hello"},
				},
			},
		}})
		Expect(resp.Errors).To(BeEmpty())
		Expect(resp.Successes).To(HaveLen(1))
		Expect(resp.Successes[0].Status).To(Equal(http.StatusCreated))

		var obs storage.Observation
		Expect(store.DB().Where("id = ? AND project_id = ?", "obs-1", "proj-1").First(&obs).Error).To(Succeed())
		Expect(obs.TraceID).To(Equal("trace-1"))
	})

	It("should process creates before updates regardless of batch order", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{
				ID:   "evt-update",
				Type: events.GenerationUpdate,
				Body: map[string]any{
					"id":      "gen-1",
					"endTime": "2026-08-24T12:00:05Z",
					"output":  map[string]any{"text": "done"},
				},
			},
			{
				ID:   "evt-create",
				Type: events.GenerationCreate,
				Body: map[string]any{
					"id":        "gen-1",
					"traceId":   "trace-1",
					"name":      "completion",
					"startTime": "2026-08-24T12:00:00Z",
					"model":     "gpt-4",
				},
			},
		}})
		Expect(resp.Errors).To(BeEmpty())
		Expect(resp.Successes).To(HaveLen(2))

		var obs storage.Observation
		Expect(store.DB().Where("id = ? AND project_id = ?", "gen-1", "proj-1").First(&obs).Error).To(Succeed())
		// fields from the create survive the merge, the update adds the end
		Expect(obs.Name).To(Equal("completion"))
		Expect(obs.Model).To(Equal("gpt-4"))
		Expect(obs.EndTime).ToNot(BeNil())
	})

	It("should strip NUL bytes before persistence", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{
				ID:   "evt-1",
				Type: events.TraceCreate,
				Body: map[string]any{"id": "trace-1", "name": "chat" + nul + "request"},
			},
		}})
		Expect(resp.Errors).To(BeEmpty())

		trace, err := store.GetTrace(ctx, "proj-1", "trace-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(trace.Name).To(Equal("chatrequest"))
	})

	It("should reject an event whose cleaned body no longer validates", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{
				ID:   "evt-1",
				Type: events.ScoreCreate,
				Body: map[string]any{"traceId": "trace-1", "name": nul, "value": 1.0},
			},
		}})
		Expect(resp.Successes).To(BeEmpty())
		Expect(resp.Errors).To(HaveLen(1))
		Expect(resp.Errors[0].ID).To(Equal("evt-1"))
		Expect(resp.Errors[0].Status).To(Equal(http.StatusBadRequest))

		var count int64
		Expect(store.DB().Model(&storage.Score{}).Count(&count).Error).To(Succeed())
		Expect(count).To(BeNumerically("==", 0))
	})

	It("should retry transient processor failures up to three attempts", func() {
		proc := &countingProcessor{err: stderrors.New("connection reset by peer")}
		registry.Register(events.TraceCreate, proc)

		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			traceEvent("evt-1", "trace-1"),
		}})
		Expect(resp.Errors).To(HaveLen(1))
		Expect(resp.Errors[0].Status).To(Equal(http.StatusInternalServerError))
		Expect(proc.calls).To(Equal(3))
	})

	It("should run the processor exactly once for authentication failures", func() {
		proc := &countingProcessor{err: errors.NewAuthentication("key is restricted to scores")}
		registry.Register(events.TraceCreate, proc)

		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			traceEvent("evt-1", "trace-1"),
		}})
		Expect(resp.Errors).To(HaveLen(1))
		Expect(resp.Errors[0].Status).To(Equal(http.StatusUnauthorized))
		Expect(proc.calls).To(Equal(1))
	})

	It("should assign a trace id when the body has none", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{ID: "evt-1", Type: events.TraceCreate, Body: map[string]any{"name": "anonymous"}},
		}})
		Expect(resp.Errors).To(BeEmpty())
		Expect(resp.Successes).To(HaveLen(1))

		var count int64
		Expect(store.DB().Model(&storage.Trace{}).Where("project_id = ?", "proj-1").Count(&count).Error).To(Succeed())
		Expect(count).To(BeNumerically("==", 1))
	})

	It("should be idempotent across batch replays", func() {
		envelope := events.Envelope{Batch: []events.Event{
			traceEvent("evt-1", "trace-1"),
			{
				ID:   "evt-2",
				Type: events.ScoreCreate,
				Body: map[string]any{"id": "score-1", "traceId": "trace-1", "name": "quality", "value": 0.9},
			},
		}}
		Expect(coordinator.ProcessBatch(ctx, scope, envelope).Errors).To(BeEmpty())
		Expect(coordinator.ProcessBatch(ctx, scope, envelope).Errors).To(BeEmpty())

		var traces, scores int64
		Expect(store.DB().Model(&storage.Trace{}).Count(&traces).Error).To(Succeed())
		Expect(store.DB().Model(&storage.Score{}).Count(&scores).Error).To(Succeed())
		Expect(traces).To(BeNumerically("==", 1))
		Expect(scores).To(BeNumerically("==", 1))
	})

	It("should persist numeric and string score values", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{
				ID:   "evt-1",
				Type: events.ScoreCreate,
				Body: map[string]any{"id": "score-1", "traceId": "trace-1", "name": "quality", "value": 0.75},
			},
			{
				ID:   "evt-2",
				Type: events.ScoreCreate,
				Body: map[string]any{"id": "score-2", "traceId": "trace-1", "name": "verdict", "value": "pass"},
			},
		}})
		Expect(resp.Errors).To(BeEmpty())

		var numeric, textual storage.Score
		Expect(store.DB().Where("id = ?", "score-1").First(&numeric).Error).To(Succeed())
		Expect(store.DB().Where("id = ?", "score-2").First(&textual).Error).To(Succeed())
		Expect(*numeric.Value).To(BeNumerically("~", 0.75))
		Expect(*textual.StringValue).To(Equal("pass"))
	})

	It("should write an audit record for every processed event", func() {
		coordinator.ProcessBatch(ctx, scope, events.Envelope{
			Batch:    []events.Event{traceEvent("evt-1", "trace-1")},
			Metadata: map[string]any{"sdk": "python"},
		})
		var count int64
		Expect(store.DB().Model(&storage.IngestionEvent{}).Where("event_id = ?", "evt-1").Count(&count).Error).To(Succeed())
		Expect(count).To(BeNumerically("==", 1))
	})

	It("should store sdk logs", func() {
		resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
			{ID: "evt-1", Type: events.SDKLog, Body: map[string]any{"log": "connection reset"}},
		}})
		Expect(resp.Errors).To(BeEmpty())

		var count int64
		Expect(store.DB().Model(&storage.SDKLogEntry{}).Count(&count).Error).To(Succeed())
		Expect(count).To(BeNumerically("==", 1))
	})

	Context("with a scores-only key", func() {
		BeforeEach(func() {
			scope = &auth.Scope{ProjectID: "proj-1", AccessLevel: auth.AccessLevelScores}
		})

		It("should reject everything but scores", func() {
			resp := coordinator.ProcessBatch(ctx, scope, events.Envelope{Batch: []events.Event{
				traceEvent("evt-1", "trace-1"),
				{
					ID:   "evt-2",
					Type: events.ScoreCreate,
					Body: map[string]any{"traceId": "trace-1", "name": "quality", "value": 1.0},
				},
			}})
			Expect(resp.Errors).To(HaveLen(1))
			Expect(resp.Errors[0].ID).To(Equal("evt-1"))
			Expect(resp.Errors[0].Status).To(Equal(http.StatusUnauthorized))
			Expect(resp.Successes).To(HaveLen(1))
			Expect(resp.Successes[0].ID).To(Equal("evt-2"))
		})
	})
})
