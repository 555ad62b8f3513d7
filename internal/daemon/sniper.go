package daemon

import (
	"context"
	"time"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
)

const loginTries = 3

// Authenticator logs in a fresh session.
type Authenticator interface {
	Login(ctx context.Context) (*portal.Session, error)
}

// Sniper runs one engine per class on its own session.
type Sniper struct {
	Auth     Authenticator
	Engine   *booking.Engine
	Clock    clock.Clock
	Notifier notify.Notifier
}

func NewSniper(a Authenticator, e *booking.Engine) *Sniper {
	return &Sniper{Auth: a, Engine: e, Clock: e.Clock, Notifier: e.Notifier}
}

func (s *Sniper) Snipe(ctx context.Context, classID int64) (booking.Result, error) {
	sess, err := s.login(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return booking.Result{State: booking.StateEstimating}, ctx.Err()
		}
		class := portal.ClassInstance{ID: classID}
		o := portal.PermanentFailure{Reason: portal.ReasonAuth + ": " + err.Error()}
		logger.Error("snipe could not log in", "class_id", classID, "error", err)
		s.Notifier.Notify(booking.EventFor(class, o, s.Clock.Now()))
		return booking.Result{State: booking.StateFailed, Outcome: o, Class: class}, nil
	}
	return s.Engine.Run(ctx, sess, classID)
}

func (s *Sniper) login(ctx context.Context) (*portal.Session, error) {
	backoff := 2 * time.Second
	var err error
	for i := 0; i < loginTries; i++ {
		var sess *portal.Session
		sess, err = s.Auth.Login(ctx)
		if err == nil {
			return sess, nil
		}
		if i == loginTries-1 {
			break
		}
		logger.Warn("login failed, retrying", "error", err, "backoff", backoff)
		if serr := s.Clock.Sleep(ctx, backoff); serr != nil {
			return nil, serr
		}
		backoff *= 2
	}
	return nil, err
}
