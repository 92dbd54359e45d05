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

// Package dispatch forwards trace identifiers from the ingestion service to
// the worker service so evaluation jobs can be created asynchronously.
// Dispatch is strictly best-effort: a missing worker or a failed POST is
// logged and counted, never surfaced to the ingestion caller.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/observability"
)

// TraceUpsert identifies one trace write worth evaluating.
type TraceUpsert struct {
	TraceID   string `json:"traceId"`
	ProjectID string `json:"projectId"`
}

const (
	eventsPath     = "/api/events"
	dispatchUser   = "server"
	requestTimeout = 10 * time.Second
)

// Dispatcher posts trace-upsert batches to the worker's internal events
// endpoint with basic auth. A dispatcher without a worker host is a no-op.
type Dispatcher struct {
	client   *http.Client
	logger   *zap.Logger
	meter    *observability.Meter
	host     string
	password string
}

func New(host, password string, logger *zap.Logger, meter *observability.Meter) *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		meter:    meter,
		host:     host,
		password: password,
	}
}

// Enabled reports whether a worker host is configured.
func (d *Dispatcher) Enabled() bool {
	return d.host != ""
}

// DispatchTraceUpserts forwards the batch to the worker. Failures are
// swallowed after logging; ingestion has already succeeded at this point and
// must report success regardless.
func (d *Dispatcher) DispatchTraceUpserts(ctx context.Context, upserts []TraceUpsert) {
	if !d.Enabled() || len(upserts) == 0 {
		return
	}
	if err := d.post(ctx, upserts); err != nil {
		d.logger.Error("dispatching trace upserts to worker",
			zap.Int("count", len(upserts)),
			zap.Error(err),
		)
		d.meter.RecordIncrement("trace_upsert_dispatch_failures_total", 1, nil)
	}
}

func (d *Dispatcher) post(ctx context.Context, upserts []TraceUpsert) error {
	body, err := json.Marshal(upserts)
	if err != nil {
		return fmt.Errorf("encoding trace upserts: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.host+eventsPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(dispatchUser, d.password)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to worker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("worker responded %d", resp.StatusCode)
	}
	return nil
}
