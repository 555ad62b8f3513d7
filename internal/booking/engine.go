package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
)

// Portal is the client surface the snipe engine drives.
type Portal interface {
	Booker
	Refresh(ctx context.Context, sess *portal.Session) (*portal.Session, error)
	GetClass(ctx context.Context, sess *portal.Session, classID int64) (portal.ClassInstance, error)
}

type State int

const (
	StateEstimating State = iota
	StateWaiting
	StateRefreshing
	StateRacing
	StateBooked
	StateWaitlisted
	StateFailed
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateEstimating:
		return "estimating"
	case StateWaiting:
		return "waiting"
	case StateRefreshing:
		return "refreshing"
	case StateRacing:
		return "racing"
	case StateBooked:
		return "booked"
	case StateWaitlisted:
		return "waitlisted"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s >= StateBooked }

// Result is the terminal outcome of one engine run. Outcome is nil for
// StateExpired.
type Result struct {
	State   State
	Outcome portal.Outcome
	Class   portal.ClassInstance
}

const (
	refreshLead       = time.Minute
	maxRefreshBackoff = 10 * time.Second
	estimateRetries   = 5
)

// Engine waits for one class's booking window and races to book it.
type Engine struct {
	Portal    Portal
	Clock     clock.Clock
	Notifier  notify.Notifier
	Waiter    Waiter
	Attempter *Attempter
	Calc      Calculator
}

func NewEngine(p Portal, c clock.Clock, n notify.Notifier, w Waiter) *Engine {
	if n == nil {
		n = notify.Nop{}
	}
	if w == nil {
		w = PreciseWaiter{}
	}
	return &Engine{
		Portal:    p,
		Clock:     c,
		Notifier:  n,
		Waiter:    w,
		Attempter: NewAttempter(p, c, n, SnipePolicy, SourceSnipe),
		Calc:      DefaultCalculator,
	}
}

// Run drives the state machine for classID until a terminal state. A non-nil
// error means ctx was cancelled before a terminal state was reached; the
// Result then carries the state the run stopped in.
func (e *Engine) Run(ctx context.Context, sess *portal.Session, classID int64) (Result, error) {
	r := &Run{engine: e, sess: sess, state: StateEstimating}
	log := logger.With("class_id", classID)

	class, err := e.estimate(ctx, r, classID)
	if err != nil {
		if ctx.Err() != nil {
			return r.result(nil), ctx.Err()
		}
		r.Class = portal.ClassInstance{ID: classID}
		return e.finish(r, StateFailed, portal.PermanentFailure{Reason: "class lookup failed: " + err.Error()}), nil
	}
	r.Class = class
	r.OpensAt = e.Calc.OpensAt(class.StartTime)
	now := e.Clock.Now()
	log.Info("snipe estimated", "class", class.Name, "status", string(class.Status),
		"start", class.StartTime, "opens_at", r.OpensAt, "opens_in", r.OpensAt.Sub(now).Round(time.Second))

	if state, done := e.precheck(r, now); done {
		return e.finish(r, state, outcomeFor(state, r.Class)), nil
	}

	if !e.Calc.IsOpen(class, now) && class.Status != portal.StatusBookable {
		r.state = StateWaiting
		next, err := e.Waiter.Wait(ctx, r)
		if err != nil {
			return r.result(nil), err
		}
		if next.Terminal() {
			return e.finish(r, next, outcomeFor(next, r.Class)), nil
		}
	}

	r.state = StateRacing
	log.Info("racing", "session_expires", r.sess.ExpiresAt)
	o := e.Attempter.Attempt(portal.Urgent(ctx), r.sess, r.Class)
	if _, transient := o.(portal.TransientFailure); transient && ctx.Err() != nil {
		return r.result(o), ctx.Err()
	}
	switch o.(type) {
	case portal.Booked:
		r.state = StateBooked
	case portal.Waitlisted:
		r.state = StateWaitlisted
	default:
		r.state = StateFailed
	}
	return r.result(o), nil
}

// precheck handles classes that need no racing at all.
func (e *Engine) precheck(r *Run, now time.Time) (State, bool) {
	switch {
	case r.Class.Status == portal.StatusBooked:
		return StateBooked, true
	case r.Class.Status == portal.StatusAwaiting:
		return StateWaitlisted, true
	case !now.Before(r.Class.StartTime):
		return StateExpired, true
	}
	return StateEstimating, false
}

// estimate fetches the class, retrying network errors a few times.
func (e *Engine) estimate(ctx context.Context, r *Run, classID int64) (portal.ClassInstance, error) {
	backoff := time.Second
	var lastErr error
	for i := 0; i < estimateRetries; i++ {
		class, err := e.Portal.GetClass(ctx, r.sess, classID)
		if err == nil {
			return class, nil
		}
		lastErr = err
		if errors.Is(err, portal.ErrNotFound) || errors.Is(err, portal.ErrAuth) || ctx.Err() != nil {
			return portal.ClassInstance{}, err
		}
		logger.Warn("class lookup failed, retrying", "class_id", classID, "error", err, "backoff", backoff)
		if err := e.Clock.Sleep(ctx, backoff); err != nil {
			return portal.ClassInstance{}, err
		}
		backoff = min(backoff*2, maxRefreshBackoff)
	}
	return portal.ClassInstance{}, lastErr
}

// finish records a terminal state reached without racing and notifies.
func (e *Engine) finish(r *Run, state State, o portal.Outcome) Result {
	r.state = state
	now := e.Clock.Now()
	var ev notify.Event
	if state == StateExpired {
		ev = notify.NewEvent(r.Class.ID, r.Class.Name, r.Class.Trainer, r.Class.StartTime,
			notify.OutcomeExpired, "class started before a booking was made", now)
	} else {
		ev = EventFor(r.Class, o, now)
	}
	logger.Info("snipe finished", "class_id", r.Class.ID, "state", state.String())
	e.Notifier.Notify(ev)
	return r.result(o)
}

func outcomeFor(state State, class portal.ClassInstance) portal.Outcome {
	switch state {
	case StateBooked:
		return portal.Booked{Name: class.Name, StartTime: class.StartTime, Trainer: class.Trainer}
	case StateWaitlisted:
		return portal.Waitlisted{Position: class.WaitlistPosition}
	default:
		return nil
	}
}

// Run is the mutable state of one engine run, shared with the Waiter.
type Run struct {
	engine  *Engine
	sess    *portal.Session
	state   State
	Class   portal.ClassInstance
	OpensAt time.Time
}

func (r *Run) State() State { return r.state }

func (r *Run) Session() *portal.Session { return r.sess }

func (r *Run) result(o portal.Outcome) Result {
	return Result{State: r.state, Outcome: o, Class: r.Class}
}

// refresh renews the session ahead of the window. Failures back off from 1s
// to 10s and are retried until the window opens; after that the run carries
// on with the existing session. Only cancellation is returned.
func (r *Run) refresh(ctx context.Context) error {
	prev := r.state
	r.state = StateRefreshing
	defer func() { r.state = prev }()

	c := r.engine.Clock
	backoff := time.Second
	for {
		fresh, err := r.engine.Portal.Refresh(ctx, r.sess)
		if err == nil {
			r.sess = fresh
			logger.Info("session refreshed", "class_id", r.Class.ID, "expires", fresh.ExpiresAt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.Now().Add(backoff).Before(r.OpensAt) {
			logger.Warn("session refresh failed, continuing with current session", "class_id", r.Class.ID, "error", err)
			return nil
		}
		logger.Warn("session refresh failed, retrying", "class_id", r.Class.ID, "error", err, "backoff", backoff)
		if err := c.Sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, maxRefreshBackoff)
	}
}
