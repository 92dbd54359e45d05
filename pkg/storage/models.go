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

package storage

import (
	"time"

	"gorm.io/datatypes"
)

// JobExecutionStatus enumerates the lifecycle of an evaluation job. PENDING
// and RUNNING are transient; the rest are terminal.
type JobExecutionStatus string

const (
	JobExecutionPending   JobExecutionStatus = "PENDING"
	JobExecutionRunning   JobExecutionStatus = "RUNNING"
	JobExecutionCompleted JobExecutionStatus = "COMPLETED"
	JobExecutionError     JobExecutionStatus = "ERROR"
	JobExecutionCancelled JobExecutionStatus = "CANCELLED"
)

// IsTerminal reports whether the status may no longer change.
func (s JobExecutionStatus) IsTerminal() bool {
	return s == JobExecutionCompleted || s == JobExecutionError || s == JobExecutionCancelled
}

// Trace is a top-level unit of telemetry, keyed by (id, project_id).
type Trace struct {
	ID        string `gorm:"primaryKey;size:191"`
	ProjectID string `gorm:"primaryKey;size:191"`
	Name      string
	UserID    string
	SessionID string
	Release   string
	Version   string
	Public    bool
	Timestamp time.Time
	Metadata  datatypes.JSON
	Input     datatypes.JSON
	Output    datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Observation is a span, generation or event inside a trace.
type Observation struct {
	ID                  string `gorm:"primaryKey;size:191"`
	ProjectID           string `gorm:"primaryKey;size:191"`
	TraceID             string `gorm:"index"`
	Type                string
	Name                string
	StartTime           time.Time
	EndTime             *time.Time
	CompletionStartTime *time.Time
	Model               string
	ModelParameters     datatypes.JSON
	Input               datatypes.JSON
	Output              datatypes.JSON
	Metadata            datatypes.JSON
	Level               string
	StatusMessage       string
	ParentObservationID string
	PromptTokens        int
	CompletionTokens    int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Score attaches a named value to a trace or an observation.
type Score struct {
	ID            string `gorm:"primaryKey;size:191"`
	ProjectID     string `gorm:"primaryKey;size:191"`
	TraceID       string `gorm:"index"`
	ObservationID *string
	Name          string
	Value         *float64
	StringValue   *string
	Source        string
	Comment       *string
	Timestamp     time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SDKLogEntry captures client-side SDK diagnostics submitted via SDK_LOG
// events.
type SDKLogEntry struct {
	ID        string `gorm:"primaryKey;size:191"`
	ProjectID string `gorm:"index"`
	Log       datatypes.JSON
	CreatedAt time.Time
}

// IngestionEvent is the append-only raw audit record of a cleaned event,
// persisted before typed processing.
type IngestionEvent struct {
	ID        string `gorm:"primaryKey;size:191"`
	ProjectID string `gorm:"index"`
	EventID   string `gorm:"index"`
	EventType string
	Payload   datatypes.JSON
	Metadata  datatypes.JSON
	CreatedAt time.Time
}

// JobConfiguration is an evaluation rule: traces of a project matching the
// filter are sampled into evaluation jobs.
type JobConfiguration struct {
	ID              string `gorm:"primaryKey;size:191"`
	ProjectID       string `gorm:"index"`
	Status          string // ACTIVE or INACTIVE
	TargetObject    string // only "trace" today
	Filter          datatypes.JSON
	SamplingRate    float64
	DelaySeconds    int
	Evaluator       string
	ScoreName       string
	EvaluatorConfig datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobExecution is one materialized evaluation of one trace against one job
// configuration.
type JobExecution struct {
	ID                 string `gorm:"primaryKey;size:191"`
	ProjectID          string `gorm:"index"`
	JobConfigurationID string `gorm:"index"`
	JobInputTraceID    string `gorm:"index"`
	Status             JobExecutionStatus
	StartTime          *time.Time
	EndTime            *time.Time
	Error              *string
	ScoreID            *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// APIKey authenticates an SDK against a project. The secret is stored as a
// fast hash; the org fields are denormalized so one lookup yields the full
// rate-limit scope.
type APIKey struct {
	ID                  string `gorm:"primaryKey;size:191"`
	ProjectID           string `gorm:"index"`
	OrgID               string `gorm:"index"`
	Plan                string
	PublicKey           string `gorm:"uniqueIndex;size:191"`
	FastHashedSecretKey string
	AccessLevel         string // "all" or "scores"
	RateLimitOverrides  datatypes.JSON
	CreatedAt           time.Time
}

// Models lists every persisted type for migration.
func Models() []any {
	return []any{
		&Trace{}, &Observation{}, &Score{}, &SDKLogEntry{},
		&IngestionEvent{}, &JobConfiguration{}, &JobExecution{}, &APIKey{},
	}
}
