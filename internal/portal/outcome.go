package portal

import (
	"fmt"
	"time"
)

// Outcome is the result of a single booking call or of a whole attempt loop.
// The set of implementations is closed.
type Outcome interface {
	fmt.Stringer
	isOutcome()
}

// Booked means the portal confirmed a reservation.
type Booked struct {
	Name      string
	StartTime time.Time
	Trainer   string
}

// Waitlisted means the user holds a standby position. Position is zero when
// the portal did not report one.
type Waitlisted struct {
	Position int
}

// TransientFailure may succeed if retried.
type TransientFailure struct {
	Reason string
}

// PermanentFailure will not succeed on retry.
type PermanentFailure struct {
	Reason string
}

// ClassFull is returned by Book when the class has no free places.
type ClassFull struct{}

// NotYetOpen is returned by Book when the portal says the booking window has
// not opened.
type NotYetOpen struct{}

func (Booked) isOutcome()           {}
func (Waitlisted) isOutcome()       {}
func (TransientFailure) isOutcome() {}
func (PermanentFailure) isOutcome() {}
func (ClassFull) isOutcome()        {}
func (NotYetOpen) isOutcome()       {}

func (o Booked) String() string {
	if o.Name == "" {
		return "booked"
	}
	return fmt.Sprintf("booked %s", o.Name)
}

func (o Waitlisted) String() string {
	if o.Position > 0 {
		return fmt.Sprintf("waitlisted at position %d", o.Position)
	}
	return "waitlisted"
}

func (o TransientFailure) String() string { return "transient failure: " + o.Reason }
func (o PermanentFailure) String() string { return "permanent failure: " + o.Reason }
func (ClassFull) String() string          { return "class full" }
func (NotYetOpen) String() string         { return "booking window not open yet" }

const (
	ReasonDailyLimit     = "daily booking limit reached"
	ReasonAlreadyBooked  = "already booked"
	ReasonAuth           = "authentication failed"
	ReasonWaitlistClosed = "waitlist closed"
	ReasonRejected       = "rejected"
	ReasonTimeout        = "request timed out"
	ReasonRateLimited    = "rate limited"
)

// Label is a short metric label for an outcome.
func Label(o Outcome) string {
	switch o.(type) {
	case Booked:
		return "booked"
	case Waitlisted:
		return "waitlisted"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	case ClassFull:
		return "full"
	case NotYetOpen:
		return "not_yet_open"
	default:
		return "unknown"
	}
}

// IsSuccess reports whether the outcome secured a place or a standby spot.
func IsSuccess(o Outcome) bool {
	switch o.(type) {
	case Booked, Waitlisted:
		return true
	default:
		return false
	}
}
