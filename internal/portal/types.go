package portal

import (
	"time"
)

// Status is the portal's class status string. Unknown values are kept as
// received so they can be shown to the user.
type Status string

const (
	StatusBookable    Status = "Bookable"
	StatusAwaitable   Status = "Awaitable"
	StatusAwaiting    Status = "Awaiting"
	StatusBooked      Status = "Booked"
	StatusUnavailable Status = "Unavailable"
)

// Effective maps unrecognised statuses to StatusUnavailable.
func (s Status) Effective() Status {
	switch s {
	case StatusBookable, StatusAwaitable, StatusAwaiting, StatusBooked, StatusUnavailable:
		return s
	default:
		return StatusUnavailable
	}
}

type ClassInstance struct {
	ID        int64
	Name      string
	Trainer   string
	StartTime time.Time
	Duration  time.Duration
	Zone      string
	Status    Status
	// WaitlistPosition is zero unless the current user is on the standby
	// queue and the portal reported a position.
	WaitlistPosition int
}

// DateRange selects classes starting in [From, To).
type DateRange struct {
	From time.Time
	To   time.Time
}

// NextDays returns the range covering the next n days from now.
func NextDays(now time.Time, n int) DateRange {
	return DateRange{From: now, To: now.AddDate(0, 0, n)}
}

func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.To)
}
