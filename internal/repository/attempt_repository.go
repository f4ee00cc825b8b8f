package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/palmvein/internal/audit"
	"github.com/example/palmvein/internal/retry"
)

// AttemptLog is the persisted form of an audit record.
type AttemptLog struct {
	ID                uint      `gorm:"primaryKey"`
	RequestID         string    `gorm:"column:request_id;index;size:64"`
	ClaimedIdentity   *string   `gorm:"column:claimed_identity;index;size:64"`
	PredictedIdentity *string   `gorm:"column:predicted_identity;size:64"`
	Outcome           string    `gorm:"column:outcome;size:16;not null"`
	Filename          *string   `gorm:"column:filename;size:255"`
	Confidence        *float64  `gorm:"column:confidence"`
	Error             *string   `gorm:"column:error;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (AttemptLog) TableName() string {
	return "authentication_attempts"
}

// AttemptRepository stores audit records in a relational database. Rows
// are only ever inserted.
type AttemptRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewAttemptRepository creates a new repository instance.
func NewAttemptRepository(db *gorm.DB, logger *zap.Logger) *AttemptRepository {
	return &AttemptRepository{
		db:     db,
		logger: logger.Named("attempt_repository"),
		policy: retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *AttemptRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AttemptLog{})
}

// SaveAttempt inserts one attempt, retrying transient failures.
func (r *AttemptRepository) SaveAttempt(ctx context.Context, log *AttemptLog) error {
	return retry.Do(ctx, r.logger, r.policy, "repository.save_attempt", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListByIdentity returns the newest attempts that claimed id, newest first.
func (r *AttemptRepository) ListByIdentity(ctx context.Context, id string, limit int) ([]*AttemptLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []*AttemptLog
	err := retry.Do(ctx, r.logger, r.policy, "repository.list_by_identity", "", func() error {
		return r.db.WithContext(ctx).
			Where("claimed_identity = ?", id).
			Order("created_at DESC").
			Order("id DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// OutcomeCount is the number of attempts that ended with one outcome.
type OutcomeCount struct {
	Outcome string
	Total   int64
}

// CountByOutcome aggregates all stored attempts by outcome.
func (r *AttemptRepository) CountByOutcome(ctx context.Context) ([]OutcomeCount, error) {
	var counts []OutcomeCount
	err := retry.Do(ctx, r.logger, r.policy, "repository.count_by_outcome", "", func() error {
		counts = counts[:0]
		return r.db.WithContext(ctx).
			Model(&AttemptLog{}).
			Select("outcome, count(*) AS total").
			Group("outcome").
			Order("outcome").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Write implements audit.Sink.
func (r *AttemptRepository) Write(ctx context.Context, rec audit.Record) error {
	return r.SaveAttempt(ctx, FromRecord(rec))
}

// FromRecord converts an audit record into its row form.
func FromRecord(rec audit.Record) *AttemptLog {
	return &AttemptLog{
		RequestID:         rec.RequestID,
		ClaimedIdentity:   rec.ClaimedIdentity,
		PredictedIdentity: rec.PredictedIdentity,
		Outcome:           string(rec.Outcome),
		Filename:          rec.Filename,
		Confidence:        rec.Confidence,
		Error:             rec.Error,
		CreatedAt:         rec.Timestamp.UTC(),
	}
}

// ToRecord converts a row back into an audit record.
func (l *AttemptLog) ToRecord() audit.Record {
	return audit.Record{
		Timestamp:         l.CreatedAt,
		RequestID:         l.RequestID,
		ClaimedIdentity:   l.ClaimedIdentity,
		PredictedIdentity: l.PredictedIdentity,
		Outcome:           audit.Outcome(l.Outcome),
		Filename:          l.Filename,
		Confidence:        l.Confidence,
		Error:             l.Error,
	}
}
