package detect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ailways/study-relay/internal/model"
)

// Kind tags which shape an analysis response took.
type Kind int

const (
	KindNone Kind = iota
	KindEvents
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindEvents:
		return "events"
	case KindSession:
		return "session"
	default:
		return "none"
	}
}

// EventsPayload is the inference-style response: flags keyed by activity.
type EventsPayload struct {
	Events     map[string]json.RawMessage `json:"events"`
	TS         string                     `json:"ts"`
	PhoneScore *float64                   `json:"phone_score"`
	Metrics    struct {
		PhoneScore *float64 `json:"phone_score"`
	} `json:"metrics"`
}

// SessionPayload is the full session returned after the backend logged the frame.
type SessionPayload struct {
	SessionID       string                 `json:"sessionId"`
	DistractionLogs []model.DistractionLog `json:"distractionLogs"`
}

// Response is a decoded analysis response. Exactly one of Events and
// Session is set, according to Kind.
type Response struct {
	Kind    Kind
	Events  *EventsPayload
	Session *SessionPayload
}

type envelopeProbe struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type shapeProbe struct {
	Events          json.RawMessage `json:"events"`
	DistractionLogs json.RawMessage `json:"distractionLogs"`
}

// Decode classifies an analysis response body. Enveloped and bare payloads
// are both accepted.
func Decode(raw []byte) (Response, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return Response{}, nil
	}

	var env envelopeProbe
	if err := json.Unmarshal(payload, &env); err != nil {
		return Response{}, fmt.Errorf("decode analysis response: %w", err)
	}
	if env.Success != nil && !isNull(env.Data) {
		payload = env.Data
	}

	var probe shapeProbe
	if err := json.Unmarshal(payload, &probe); err != nil {
		return Response{}, fmt.Errorf("decode analysis payload: %w", err)
	}

	switch {
	case !isNull(probe.Events):
		var events EventsPayload
		if err := json.Unmarshal(payload, &events); err != nil {
			return Response{}, fmt.Errorf("decode events payload: %w", err)
		}
		return Response{Kind: KindEvents, Events: &events}, nil

	case !isNull(probe.DistractionLogs):
		var session SessionPayload
		if err := json.Unmarshal(payload, &session); err != nil {
			return Response{}, fmt.Errorf("decode session payload: %w", err)
		}
		return Response{Kind: KindSession, Session: &session}, nil
	}

	return Response{}, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// truthy follows loose JSON truthiness: false, 0, "", null are false.
func truthy(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case isNull(trimmed):
		return false
	case bytes.Equal(trimmed, []byte("false")):
		return false
	case bytes.Equal(trimmed, []byte(`""`)):
		return false
	}

	var n float64
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n != 0
	}
	return true
}

// lookupEvent finds an activity flag regardless of key casing.
func (p *EventsPayload) lookupEvent(activity model.Activity) (json.RawMessage, bool) {
	if v, ok := p.Events[string(activity)]; ok {
		return v, true
	}
	for k, v := range p.Events {
		if strings.EqualFold(k, string(activity)) {
			return v, true
		}
	}
	return nil, false
}

func (p *EventsPayload) confidence() float64 {
	if p.Metrics.PhoneScore != nil {
		return *p.Metrics.PhoneScore
	}
	if p.PhoneScore != nil {
		return *p.PhoneScore
	}
	return DefaultConfidence
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw string, fallback time.Time) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}
