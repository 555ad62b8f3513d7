package booking

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
)

// Booker is the part of the portal client the attempt loop needs.
type Booker interface {
	Book(ctx context.Context, sess *portal.Session, classID int64) portal.Outcome
	JoinWaitlist(ctx context.Context, sess *portal.Session, classID int64) portal.Outcome
}

// Policy bounds one attempt loop. NotYetOpen re-checks do not count towards
// MaxAttempts but stop once MaxElapsed has passed.
type Policy struct {
	MaxAttempts  int
	MaxElapsed   time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration
	RecheckDelay time.Duration
}

var (
	SnipePolicy = Policy{
		MaxAttempts:  10,
		MaxElapsed:   10 * time.Minute,
		MinDelay:     200 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		RecheckDelay: 250 * time.Millisecond,
	}
	SchedulePolicy = Policy{
		MaxAttempts:  1,
		MaxElapsed:   30 * time.Second,
		RecheckDelay: 500 * time.Millisecond,
	}
	ManualPolicy = Policy{
		MaxAttempts:  10,
		MaxElapsed:   2 * time.Minute,
		MinDelay:     200 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		RecheckDelay: 500 * time.Millisecond,
	}
)

const (
	SourceSnipe    = "snipe"
	SourceSchedule = "schedule"
	SourceManual   = "manual"
)

// Attempter runs the bounded booking retry loop for one class and reports the
// final outcome exactly once.
type Attempter struct {
	Booker   Booker
	Clock    clock.Clock
	Notifier notify.Notifier
	Policy   Policy
	// Source labels metrics: snipe, schedule or manual.
	Source string
}

func NewAttempter(b Booker, c clock.Clock, n notify.Notifier, p Policy, source string) *Attempter {
	if n == nil {
		n = notify.Nop{}
	}
	return &Attempter{Booker: b, Clock: c, Notifier: n, Policy: p, Source: source}
}

// Attempt books class, retrying transient failures and joining the waitlist
// when the class is full. The returned outcome is always final: Booked,
// Waitlisted, TransientFailure or PermanentFailure.
func (a *Attempter) Attempt(ctx context.Context, sess *portal.Session, class portal.ClassInstance) portal.Outcome {
	o := a.run(ctx, sess, class)

	log := logger.With("class_id", class.ID, "class", class.Name, "outcome", o.String(), "source", a.Source)
	if _, transient := o.(portal.TransientFailure); transient && ctx.Err() != nil {
		log.Info("booking attempt cancelled")
		return o
	}
	metrics.RecordOutcome(a.Source, portal.Label(o))
	if portal.IsSuccess(o) {
		log.Info("booking attempt finished")
	} else {
		log.Warn("booking attempt finished")
	}
	a.Notifier.Notify(EventFor(class, o, a.Clock.Now()))
	return o
}

func (a *Attempter) run(ctx context.Context, sess *portal.Session, class portal.ClassInstance) portal.Outcome {
	p := a.Policy
	maxAttempts := max(p.MaxAttempts, 1)
	began := a.Clock.Now()
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return portal.TransientFailure{Reason: "cancelled: " + err.Error()}
		}

		o := a.Booker.Book(ctx, sess, class.ID)
		metrics.RecordBookingCall(portal.Label(o))
		elapsed := a.Clock.Now().Sub(began)

		switch o := o.(type) {
		case portal.Booked, portal.PermanentFailure:
			return o

		case portal.ClassFull:
			logger.Info("class full, joining waitlist", "class_id", class.ID)
			return a.joinWaitlist(ctx, sess, class)

		case portal.NotYetOpen:
			if p.MaxElapsed > 0 && elapsed >= p.MaxElapsed {
				return portal.TransientFailure{Reason: "booking window did not open in time"}
			}
			logger.Debug("booking window not open, re-checking", "class_id", class.ID, "elapsed", elapsed)
			if err := a.Clock.Sleep(ctx, jitter(p.RecheckDelay, p.RecheckDelay*3/2)); err != nil {
				return portal.TransientFailure{Reason: "cancelled: " + err.Error()}
			}

		case portal.TransientFailure:
			attempts++
			logger.Info("booking attempt failed", "class_id", class.ID, "attempt", attempts, "reason", o.Reason)
			if attempts >= maxAttempts || (p.MaxElapsed > 0 && elapsed >= p.MaxElapsed) {
				return o
			}
			if err := a.Clock.Sleep(ctx, jitter(p.MinDelay, p.MaxDelay)); err != nil {
				return portal.TransientFailure{Reason: "cancelled: " + err.Error()}
			}

		default:
			return portal.PermanentFailure{Reason: "unexpected outcome: " + o.String()}
		}
	}
}

func (a *Attempter) joinWaitlist(ctx context.Context, sess *portal.Session, class portal.ClassInstance) portal.Outcome {
	o := a.Booker.JoinWaitlist(ctx, sess, class.ID)
	metrics.RecordBookingCall(portal.Label(o))
	if w, ok := o.(portal.Waitlisted); ok {
		return w
	}
	return portal.PermanentFailure{Reason: "waitlist join failed: " + o.String()}
}

// EventFor builds the notification for a final outcome.
func EventFor(class portal.ClassInstance, o portal.Outcome, at time.Time) notify.Event {
	outcome := notify.OutcomeFailed
	msg := o.String()
	switch o := o.(type) {
	case portal.Booked:
		outcome = notify.OutcomeBooked
		msg = ""
	case portal.Waitlisted:
		outcome = notify.OutcomeWaitlisted
		msg = o.String()
	case portal.TransientFailure:
		msg = o.Reason
	case portal.PermanentFailure:
		msg = o.Reason
	}
	return notify.NewEvent(class.ID, class.Name, class.Trainer, class.StartTime, outcome, msg, at)
}

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
