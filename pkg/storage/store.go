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
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/traceprism/traceprism/pkg/errors"
)

// Store wraps the relational database behind the repository operations the
// pipeline needs. Every write is idempotent on (project_id, id) so that
// per-event retries and queue redeliveries are safe.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for wiring and test fixtures.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate creates or updates the schema for all persisted models.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(Models()...)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var traceAssignments = []string{
	"name", "user_id", "session_id", "release", "version", "public",
	"timestamp", "metadata", "input", "output", "updated_at",
}

// UpsertTrace creates or replaces a trace, last writer wins.
func (s *Store) UpsertTrace(ctx context.Context, trace *Trace) error {
	trace.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns(traceAssignments),
	}).Create(trace).Error
}

// UpsertObservation creates the observation or merges the incoming fields
// into the existing row. Merge semantics let an OBSERVATION_UPDATE carry only
// the fields that changed (typically end_time and output).
func (s *Store) UpsertObservation(ctx context.Context, obs *Observation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Observation
		err := tx.Where("id = ? AND project_id = ?", obs.ID, obs.ProjectID).First(&existing).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			obs.CreatedAt = time.Now()
			obs.UpdatedAt = obs.CreatedAt
			return tx.Create(obs).Error
		}
		if err != nil {
			return err
		}
		mergeObservation(&existing, obs)
		existing.UpdatedAt = time.Now()
		return tx.Save(&existing).Error
	})
}

func mergeObservation(dst, src *Observation) {
	if src.TraceID != "" {
		dst.TraceID = src.TraceID
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Name != "" {
		dst.Name = src.Name
	}
	if !src.StartTime.IsZero() {
		dst.StartTime = src.StartTime
	}
	if src.EndTime != nil {
		dst.EndTime = src.EndTime
	}
	if src.CompletionStartTime != nil {
		dst.CompletionStartTime = src.CompletionStartTime
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if len(src.ModelParameters) > 0 {
		dst.ModelParameters = src.ModelParameters
	}
	if len(src.Input) > 0 {
		dst.Input = src.Input
	}
	if len(src.Output) > 0 {
		dst.Output = src.Output
	}
	if len(src.Metadata) > 0 {
		dst.Metadata = src.Metadata
	}
	if src.Level != "" {
		dst.Level = src.Level
	}
	if src.StatusMessage != "" {
		dst.StatusMessage = src.StatusMessage
	}
	if src.ParentObservationID != "" {
		dst.ParentObservationID = src.ParentObservationID
	}
	if src.PromptTokens != 0 {
		dst.PromptTokens = src.PromptTokens
	}
	if src.CompletionTokens != 0 {
		dst.CompletionTokens = src.CompletionTokens
	}
}

var scoreAssignments = []string{
	"trace_id", "observation_id", "name", "value", "string_value",
	"source", "comment", "timestamp", "updated_at",
}

// UpsertScore creates or replaces a score, last writer wins.
func (s *Store) UpsertScore(ctx context.Context, score *Score) error {
	score.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns(scoreAssignments),
	}).Create(score).Error
}

// CreateSDKLog appends an SDK diagnostic record.
func (s *Store) CreateSDKLog(ctx context.Context, entry *SDKLogEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// CreateIngestionEvent appends a raw audit record for a cleaned event.
// Conflicts on the primary key are ignored so a retried event does not fail
// on its own audit row.
func (s *Store) CreateIngestionEvent(ctx context.Context, event *IngestionEvent) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error
}

// GetTrace loads one trace or returns a NotFoundError.
func (s *Store) GetTrace(ctx context.Context, projectID, id string) (*Trace, error) {
	var trace Trace
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).First(&trace).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFound("trace %s not found in project %s", id, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &trace, nil
}

// ActiveJobConfigurations returns the ACTIVE rules for a project and target.
func (s *Store) ActiveJobConfigurations(ctx context.Context, projectID, targetObject string) ([]JobConfiguration, error) {
	var configs []JobConfiguration
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND target_object = ? AND status = ?", projectID, targetObject, "ACTIVE").
		Find(&configs).Error
	return configs, err
}

// GetJobConfiguration loads one evaluation rule or returns a NotFoundError.
func (s *Store) GetJobConfiguration(ctx context.Context, projectID, id string) (*JobConfiguration, error) {
	var config JobConfiguration
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).First(&config).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFound("job configuration %s not found in project %s", id, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// CreateJobExecution inserts a new execution row.
func (s *Store) CreateJobExecution(ctx context.Context, exec *JobExecution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

// GetJobExecution loads one execution or returns a NotFoundError.
func (s *Store) GetJobExecution(ctx context.Context, projectID, id string) (*JobExecution, error) {
	var exec JobExecution
	err := s.db.WithContext(ctx).Where("id = ? AND project_id = ?", id, projectID).First(&exec).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NewNotFound("job execution %s not found in project %s", id, projectID)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// FindJobExecutionForTrace returns the existing execution for a
// (configuration, trace) pair, or nil. Used to keep eval-job creation
// idempotent across trace-upsert redeliveries.
func (s *Store) FindJobExecutionForTrace(ctx context.Context, projectID, configID, traceID string) (*JobExecution, error) {
	var exec JobExecution
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND job_configuration_id = ? AND job_input_trace_id = ?", projectID, configID, traceID).
		First(&exec).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// StartJobExecution moves a pending execution to RUNNING. Redelivered jobs
// whose first attempt already finished are left untouched.
func (s *Store) StartJobExecution(ctx context.Context, projectID, id string, startTime time.Time) error {
	return s.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND project_id = ?", id, projectID).
		Where("status = ?", JobExecutionPending).
		Updates(map[string]any{
			"status":     JobExecutionRunning,
			"start_time": startTime,
			"updated_at": time.Now(),
		}).Error
}

// MarkJobExecutionError records a terminal failure. Only non-terminal rows
// are touched: the status moves monotonically toward a terminal state.
func (s *Store) MarkJobExecutionError(ctx context.Context, projectID, id, message string, endTime time.Time) error {
	return s.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND project_id = ?", id, projectID).
		Where("status NOT IN ?", []JobExecutionStatus{JobExecutionCompleted, JobExecutionError, JobExecutionCancelled}).
		Updates(map[string]any{
			"status":     JobExecutionError,
			"end_time":   endTime,
			"error":      message,
			"updated_at": time.Now(),
		}).Error
}

// CompleteJobExecution records a successful evaluation together with the
// score it produced.
func (s *Store) CompleteJobExecution(ctx context.Context, projectID, id, scoreID string, endTime time.Time) error {
	result := s.db.WithContext(ctx).Model(&JobExecution{}).
		Where("id = ? AND project_id = ?", id, projectID).
		Where("status NOT IN ?", []JobExecutionStatus{JobExecutionCompleted, JobExecutionCancelled}).
		Updates(map[string]any{
			"status":     JobExecutionCompleted,
			"end_time":   endTime,
			"error":      nil,
			"score_id":   scoreID,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job execution %s already terminal", id)
	}
	return nil
}

// FindAPIKeyByPublicKey loads a key row by its public component.
func (s *Store) FindAPIKeyByPublicKey(ctx context.Context, publicKey string) (*APIKey, error) {
	var key APIKey
	err := s.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&key).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}
