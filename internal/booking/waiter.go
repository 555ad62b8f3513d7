package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/portal"
)

// Waiter blocks until a run should start racing. It returns StateRacing, or a
// terminal state when the class resolved while waiting.
type Waiter interface {
	Wait(ctx context.Context, r *Run) (State, error)
}

const (
	StrategyPrecise  = "precise"
	StrategyAdaptive = "adaptive"
)

func NewWaiter(strategy string) (Waiter, error) {
	switch strategy {
	case "", StrategyPrecise:
		return PreciseWaiter{}, nil
	case StrategyAdaptive:
		return AdaptiveWaiter{}, nil
	default:
		return nil, fmt.Errorf("unknown snipe strategy %q", strategy)
	}
}

// PreciseWaiter sleeps until a minute before the window, refreshes the
// session, then sleeps until the exact opening instant.
type PreciseWaiter struct {
	// MaxChunk caps each sleep so progress is logged; default 1h.
	MaxChunk time.Duration
	// Lead is how long before opening the session is refreshed; default 1m.
	Lead time.Duration
}

func (w PreciseWaiter) Wait(ctx context.Context, r *Run) (State, error) {
	c := r.engine.Clock
	chunk := w.MaxChunk
	if chunk <= 0 {
		chunk = time.Hour
	}
	lead := w.Lead
	if lead <= 0 {
		lead = refreshLead
	}

	wakeAt := r.OpensAt.Add(-lead)
	for {
		remaining := wakeAt.Sub(c.Now())
		if remaining <= 0 {
			break
		}
		logger.Info("waiting for booking window", "class_id", r.Class.ID,
			"opens_in", r.OpensAt.Sub(c.Now()).Round(time.Second))
		if err := c.Sleep(ctx, min(remaining, chunk)); err != nil {
			return StateWaiting, err
		}
	}

	if !c.Now().Before(r.Class.StartTime) {
		return StateExpired, nil
	}
	if err := r.refresh(ctx); err != nil {
		return StateRefreshing, err
	}
	if err := clock.SleepUntil(ctx, c, r.OpensAt); err != nil {
		return StateWaiting, err
	}
	return StateRacing, nil
}

// AdaptiveWaiter polls the class, tightening the interval as the window
// approaches, and starts racing as soon as the portal reports it bookable.
type AdaptiveWaiter struct {
	// MaxJitter is added to each poll interval; default 1s.
	MaxJitter time.Duration
}

// PollInterval returns the base delay between polls given the time left until
// the window opens.
func PollInterval(untilOpen time.Duration) time.Duration {
	switch {
	case untilOpen > 30*time.Minute:
		return 60 * time.Second
	case untilOpen > 5*time.Minute:
		return 30 * time.Second
	case untilOpen > time.Minute:
		return 10 * time.Second
	default:
		return 2 * time.Second
	}
}

func (w AdaptiveWaiter) Wait(ctx context.Context, r *Run) (State, error) {
	c := r.engine.Clock
	maxJitter := w.MaxJitter
	if maxJitter <= 0 {
		maxJitter = time.Second
	}
	refreshed := false

	for {
		now := c.Now()
		if !now.Before(r.Class.StartTime) {
			return StateExpired, nil
		}
		untilOpen := r.OpensAt.Sub(now)

		if !refreshed && untilOpen <= refreshLead {
			if err := r.refresh(ctx); err != nil {
				return StateRefreshing, err
			}
			refreshed = true
		}

		class, err := r.engine.Portal.GetClass(ctx, r.sess, r.Class.ID)
		switch {
		case err == nil:
			r.Class = class
			switch class.Status {
			case portal.StatusBookable:
				return StateRacing, nil
			case portal.StatusBooked:
				return StateBooked, nil
			case portal.StatusAwaiting:
				return StateWaitlisted, nil
			}
			if r.engine.Calc.IsOpen(class, c.Now()) {
				return StateRacing, nil
			}
		case errors.Is(err, portal.ErrAuth):
			logger.Warn("poll unauthorised, logging in again", "class_id", r.Class.ID)
			if err := r.refresh(ctx); err != nil {
				return StateRefreshing, err
			}
		case ctx.Err() != nil:
			return StateWaiting, ctx.Err()
		default:
			logger.Warn("poll failed", "class_id", r.Class.ID, "error", err)
		}

		d := PollInterval(untilOpen) + jitter(0, maxJitter)
		logger.Debug("polling class", "class_id", r.Class.ID, "status", string(r.Class.Status), "next_poll", d)
		if err := c.Sleep(ctx, d); err != nil {
			return StateWaiting, err
		}
	}
}
