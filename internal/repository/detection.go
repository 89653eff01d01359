package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ailways/study-relay/internal/database"
	"github.com/ailways/study-relay/internal/model"
)

type DetectionRepository interface {
	Create(ctx context.Context, params model.CreateDetectionParams) (*model.DetectionRecord, error)
	FindByID(ctx context.Context, id string) (*model.DetectionRecord, error)
	FindLatestPending(ctx context.Context, sessionID string) (*model.DetectionRecord, error)
	ListBySession(ctx context.Context, principal, sessionID string, limit int) ([]model.DetectionRecord, error)
	MarkFeedback(ctx context.Context, id string, feedback string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type detectionRepo struct {
	db database.DBTX
}

func NewDetectionRepository(db *sqlx.DB) DetectionRepository {
	return &detectionRepo{db: db}
}

func (r *detectionRepo) Create(ctx context.Context, params model.CreateDetectionParams) (*model.DetectionRecord, error) {
	var record model.DetectionRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO detections (id, session_id, principal, activity, confidence, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, params.ID, params.SessionID, params.Principal, params.Activity, params.Confidence, params.DetectedAt)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindByID treats a malformed id as not found instead of letting postgres
// reject the uuid cast.
func (r *detectionRepo) FindByID(ctx context.Context, id string) (*model.DetectionRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	return getOne[model.DetectionRecord](ctx, r.db, `SELECT * FROM detections WHERE id = $1`, id)
}

// FindLatestPending returns the newest detection of a session that has no
// feedback yet.
func (r *detectionRepo) FindLatestPending(ctx context.Context, sessionID string) (*model.DetectionRecord, error) {
	return getOne[model.DetectionRecord](ctx, r.db, `
		SELECT * FROM detections
		WHERE session_id = $1 AND feedback IS NULL
		ORDER BY detected_at DESC
		LIMIT 1
	`, sessionID)
}

// ListBySession returns the detections principal recorded for sessionID.
func (r *detectionRepo) ListBySession(ctx context.Context, principal, sessionID string, limit int) ([]model.DetectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	records := []model.DetectionRecord{}
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM detections
		WHERE principal = $1 AND session_id = $2
		ORDER BY detected_at ASC
		LIMIT $3
	`, principal, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *detectionRepo) MarkFeedback(ctx context.Context, id string, feedback string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE detections SET feedback = $2, feedback_at = NOW() WHERE id = $1
	`, id, feedback)
	return err
}

func (r *detectionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM detections WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
