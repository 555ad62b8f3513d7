package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Notifier receives final booking events. Notify must not block the booking
// flow or report failure to it.
type Notifier interface {
	Notify(Event)
}

// Sender delivers one event synchronously.
type Sender interface {
	Send(ctx context.Context, e Event) error
}

const (
	OutcomeBooked     = "booked"
	OutcomeWaitlisted = "waitlisted"
	OutcomeFailed     = "failed"
	OutcomeExpired    = "expired"
)

type Event struct {
	ID        uuid.UUID `json:"id"`
	ClassID   int64     `json:"class_id"`
	ClassName string    `json:"class_name"`
	Trainer   string    `json:"trainer,omitempty"`
	StartTime time.Time `json:"start_time"`
	Outcome   string    `json:"outcome"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

func NewEvent(classID int64, name, trainer string, start time.Time, outcome, message string, at time.Time) Event {
	return Event{
		ID:        uuid.New(),
		ClassID:   classID,
		ClassName: name,
		Trainer:   trainer,
		StartTime: start,
		Outcome:   outcome,
		Message:   message,
		At:        at,
	}
}

func (e Event) Success() bool {
	return e.Outcome == OutcomeBooked || e.Outcome == OutcomeWaitlisted
}

func (e Event) Subject() string {
	switch e.Outcome {
	case OutcomeBooked:
		return "Gym Booking Confirmed: " + e.ClassName
	case OutcomeWaitlisted:
		return "Gym Waitlist Joined: " + e.ClassName
	case OutcomeExpired:
		return "Gym Booking Expired: " + e.ClassName
	default:
		return "Gym Booking Failed: " + e.ClassName
	}
}

func (e Event) Body() string {
	trainer := e.Trainer
	if trainer == "" {
		trainer = "Not assigned"
	}
	when := e.StartTime.Format("Mon Jan 2 2006 15:04")
	if e.Success() {
		body := fmt.Sprintf("Your gym class has been successfully %s!\n\nClass: %s\nTime: %s\nTrainer: %s\n", e.Outcome, e.ClassName, when, trainer)
		if e.Message != "" {
			body += "\n" + e.Message + "\n"
		}
		return body + "\nSee you there!"
	}
	return fmt.Sprintf("Failed to book your gym class.\n\nClass: %s\nTime: %s\nTrainer: %s\n\nReason: %s\n\nYou may want to try booking manually or check the waitlist.",
		e.ClassName, when, trainer, e.Message)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}
