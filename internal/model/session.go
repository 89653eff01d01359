package model

import "time"

// Session mirrors the backend's study session payload.
type Session struct {
	SessionID       string           `json:"sessionId"`
	MatchID         string           `json:"matchId"`
	MenteeUserID    string           `json:"menteeUserId"`
	MentorUserID    string           `json:"mentorUserId"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	EndedAt         *time.Time       `json:"endedAt,omitempty"`
	Status          SessionStatus    `json:"status"`
	StudyLogs       []StudyLog       `json:"studyLogs"`
	QuestionLogs    []QuestionLog    `json:"questionLogs"`
	DistractionLogs []DistractionLog `json:"distractionLogs"`
}

type StudyLog struct {
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
}

type QuestionLog struct {
	Question  string `json:"question"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type SelfFeedback struct {
	Comment   string `json:"comment"`
	CreatedAt string `json:"createdAt"`
}

// DistractionLog keeps timestamps as strings: the backend emits several
// layouts and dedup keys are built from the raw value.
type DistractionLog struct {
	Activity      string        `json:"activity"`
	DetectionType string        `json:"detectionType,omitempty"`
	DetectedAt    string        `json:"detectedAt,omitempty"`
	SelfFeedback  *SelfFeedback `json:"selfFeedback,omitempty"`
}

// DistractionEvent is a detection surfaced to the mentee.
type DistractionEvent struct {
	Activity   Activity  `json:"activity"`
	DetectedAt time.Time `json:"detectedAt"`
	Confidence float64   `json:"confidence"`
}
