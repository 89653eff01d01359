package detect

import (
	"fmt"
	"time"

	"github.com/ailways/study-relay/internal/model"
)

// DefaultConfidence is reported when the backend gives no score.
const DefaultConfidence = 0.9

// Candidate is one detection resolved from a response, before cooldown and
// dedup are applied.
type Candidate struct {
	Event model.DistractionEvent
	// Key identifies the backend report; repeats of the same key are the
	// same event seen twice.
	Key string
}

// Resolve reduces a decoded response to at most one candidate.
func Resolve(resp Response, now time.Time) (Candidate, bool) {
	switch resp.Kind {
	case KindEvents:
		return resolveEvents(resp.Events, now)
	case KindSession:
		return resolveSession(resp.Session, now)
	default:
		return Candidate{}, false
	}
}

func resolveEvents(p *EventsPayload, now time.Time) (Candidate, bool) {
	if p == nil {
		return Candidate{}, false
	}

	for _, activity := range model.ActivityPriority {
		flag, ok := p.lookupEvent(activity)
		if !ok || !truthy(flag) {
			continue
		}

		ts := p.TS
		if ts == "" {
			ts = now.UTC().Format(time.RFC3339Nano)
		}
		return Candidate{
			Event: model.DistractionEvent{
				Activity:   activity,
				DetectedAt: parseTimestamp(ts, now),
				Confidence: p.confidence(),
			},
			Key: fmt.Sprintf("%s|%s", ts, activity),
		}, true
	}
	return Candidate{}, false
}

func resolveSession(p *SessionPayload, now time.Time) (Candidate, bool) {
	if p == nil || len(p.DistractionLogs) == 0 {
		return Candidate{}, false
	}

	latest := p.DistractionLogs[len(p.DistractionLogs)-1]
	activity, ok := MapActivity(latest.Activity)
	if !ok {
		return Candidate{}, false
	}

	return Candidate{
		Event: model.DistractionEvent{
			Activity:   activity,
			DetectedAt: parseTimestamp(latest.DetectedAt, now),
			Confidence: DefaultConfidence,
		},
		Key: fmt.Sprintf("%s|%s|%d", latest.DetectedAt, latest.Activity, len(p.DistractionLogs)),
	}, true
}
