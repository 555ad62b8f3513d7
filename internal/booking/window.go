package booking

import (
	"time"

	"github.com/example/gym-sniper/internal/portal"
)

// Offset is how long before a class starts its booking window opens.
const Offset = 7*24*time.Hour + 2*time.Hour

// Calculator derives booking windows from class start times. The offset is an
// elapsed duration, so windows that span a DST change stay exact.
type Calculator struct {
	Offset time.Duration
}

var DefaultCalculator = Calculator{Offset: Offset}

func (c Calculator) offset() time.Duration {
	if c.Offset <= 0 {
		return Offset
	}
	return c.Offset
}

func (c Calculator) OpensAt(start time.Time) time.Time {
	return start.Add(-c.offset())
}

// IsOpen reports whether class can be booked at now.
func (c Calculator) IsOpen(class portal.ClassInstance, now time.Time) bool {
	return !now.Before(c.OpensAt(class.StartTime)) &&
		now.Before(class.StartTime) &&
		class.Status.Effective() != portal.StatusUnavailable
}

func OpensAt(start time.Time) time.Time { return DefaultCalculator.OpensAt(start) }

func IsOpen(class portal.ClassInstance, now time.Time) bool {
	return DefaultCalculator.IsOpen(class, now)
}
