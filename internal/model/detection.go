package model

import "time"

// DetectionRecord is the relay-local ledger row for a surfaced detection.
type DetectionRecord struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	Principal  string     `db:"principal" json:"-"`
	Activity   Activity   `db:"activity" json:"activity"`
	Confidence float64    `db:"confidence" json:"confidence"`
	DetectedAt time.Time  `db:"detected_at" json:"detectedAt"`
	Feedback   *string    `db:"feedback" json:"feedback,omitempty"`
	FeedbackAt *time.Time `db:"feedback_at" json:"feedbackAt,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

type CreateDetectionParams struct {
	ID         string
	SessionID  string
	Principal  string
	Activity   Activity
	Confidence float64
	DetectedAt time.Time
}
