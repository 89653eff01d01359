package model

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "ACTIVE"
	SessionStatusEnded  SessionStatus = "ENDED"
)

// Activity is the canonical code of a detected distraction.
type Activity string

const (
	ActivityPhone    Activity = "PHONE"
	ActivityLeftSeat Activity = "LEFT_SEAT"
	ActivityDrowsy   Activity = "DROWSY"
)

// ActivityPriority orders activities when several are reported at once.
var ActivityPriority = []Activity{ActivityPhone, ActivityLeftSeat, ActivityDrowsy}

func (a Activity) Valid() bool {
	switch a {
	case ActivityPhone, ActivityLeftSeat, ActivityDrowsy:
		return true
	}
	return false
}
