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
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

const (
	// Namespace is the common prefix for all pipeline metrics.
	Namespace = "traceprism"

	// Common metric label names.
	OrgLabel      = "org_id"
	PlanLabel     = "plan"
	ResourceLabel = "resource"
	QueueLabel    = "queue"
)

// DurationBuckets returns the default threshold values for duration
// histograms. Each returned slice is new and may be modified without
// impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}

// Meter is the metric half of the observability facade. Instruments are
// created on first use keyed by name plus sorted label names, so hot paths
// record without pre-registration ceremony.
type Meter struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewMeter returns a Meter registering against the supplied registerer.
func NewMeter(registerer prometheus.Registerer) *Meter {
	return &Meter{
		registerer: registerer,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
	}
}

// RecordIncrement adds delta to the named counter.
func (m *Meter) RecordIncrement(name string, delta float64, attrs map[string]string) {
	m.counter(name, labelNames(attrs)).With(prometheus.Labels(attrs)).Add(delta)
}

// RecordHistogram observes value on the named histogram. Values are expected
// in seconds for duration metrics.
func (m *Meter) RecordHistogram(name string, value float64, attrs map[string]string) {
	m.histogram(name, labelNames(attrs)).With(prometheus.Labels(attrs)).Observe(value)
}

// RecordGauge sets the named gauge to value.
func (m *Meter) RecordGauge(name string, value float64, attrs map[string]string) {
	m.gauge(name, labelNames(attrs)).With(prometheus.Labels(attrs)).Set(value)
}

func (m *Meter) counter(name string, labels []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instrumentKey(name, labels)
	if vec, ok := m.counters[key]; ok {
		return vec
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Name: name}, labels)
	m.registerer.MustRegister(vec)
	m.counters[key] = vec
	return vec
}

func (m *Meter) histogram(name string, labels []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instrumentKey(name, labels)
	if vec, ok := m.histograms[key]; ok {
		return vec
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Buckets:   DurationBuckets(),
	}, labels)
	m.registerer.MustRegister(vec)
	m.histograms[key] = vec
	return vec
}

func (m *Meter) gauge(name string, labels []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := instrumentKey(name, labels)
	if vec, ok := m.gauges[key]; ok {
		return vec
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Name: name}, labels)
	m.registerer.MustRegister(vec)
	m.gauges[key] = vec
	return vec
}

func labelNames(attrs map[string]string) []string {
	names := lo.Keys(attrs)
	sort.Strings(names)
	return names
}

func instrumentKey(name string, labels []string) string {
	return name + "{" + strings.Join(labels, ",") + "}"
}
