package detect

import (
	"strings"

	"github.com/ailways/study-relay/internal/model"
)

// activityKeywords is checked in ActivityPriority order, so a label naming
// both a phone and an empty seat resolves to PHONE.
var activityKeywords = map[model.Activity][]string{
	model.ActivityPhone:    {"phone", "휴대폰", "스마트폰", "smart"},
	model.ActivityLeftSeat: {"left", "자리", "away", "absent"},
	model.ActivityDrowsy:   {"drowsy", "졸", "sleep"},
}

// MapActivity maps a free-text activity label onto a canonical code.
func MapActivity(raw string) (model.Activity, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", false
	}

	for _, activity := range model.ActivityPriority {
		for _, keyword := range activityKeywords[activity] {
			if strings.Contains(normalized, keyword) {
				return activity, true
			}
		}
	}
	return "", false
}
