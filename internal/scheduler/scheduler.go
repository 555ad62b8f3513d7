package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/portal"
)

const (
	// CatalogueDays covers the booking window plus a day of margin.
	CatalogueDays = 8
	Interval      = time.Minute
	cronSpec      = "0 * * * * *"
)

// Portal is what the scheduler needs from a shared account.
type Portal interface {
	Classes(ctx context.Context, r portal.DateRange) ([]portal.ClassInstance, error)
	Do(ctx context.Context, fn func(ctx context.Context, sess *portal.Session) error) error
}

// Scheduler books classes matching the configured targets as soon as their
// booking window opens.
type Scheduler struct {
	Portal    Portal
	Attempter *booking.Attempter
	Targets   []config.Target
	Location  *time.Location
	Calc      booking.Calculator
	Clock     clock.Clock
	// Locker guards the triggered set; the daemon shares it with the queue.
	Locker sync.Locker

	triggered map[int64]bool
}

func New(p Portal, a *booking.Attempter, targets []config.Target, loc *time.Location, locker sync.Locker) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if locker == nil {
		locker = &sync.Mutex{}
	}
	return &Scheduler{
		Portal:    p,
		Attempter: a,
		Targets:   targets,
		Location:  loc,
		Locker:    locker,
		Clock:     clock.Real{},
		triggered: make(map[int64]bool),
	}
}

// Match reports whether class satisfies target: the name contains the
// target's class name case-insensitively, and the start falls on one of the
// target days and at the target time when those are set.
func Match(t config.Target, class portal.ClassInstance, loc *time.Location) bool {
	if !strings.Contains(strings.ToLower(class.Name), strings.ToLower(t.ClassName)) {
		return false
	}
	start := class.StartTime.In(loc)
	if len(t.Days) > 0 {
		ok := false
		for _, d := range t.Days {
			if wd, valid := config.ParseWeekday(d); valid && wd == start.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if t.Time != "" && start.Format("15:04") != t.Time {
		return false
	}
	return true
}

// Tick triggers one booking attempt for every matching class whose window
// opened within the last interval and that has not already succeeded or
// failed permanently.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	classes, err := s.Portal.Classes(ctx, portal.NextDays(now, CatalogueDays))
	if err != nil {
		return err
	}

	due := make(map[int64]portal.ClassInstance)
	var order []int64
	for _, t := range s.Targets {
		for _, c := range classes {
			if !Match(t, c, s.Location) {
				continue
			}
			opens := s.Calc.OpensAt(c.StartTime)
			if now.Before(opens) || !now.Before(opens.Add(Interval)) {
				continue
			}
			if _, ok := due[c.ID]; !ok {
				due[c.ID] = c
				order = append(order, c.ID)
			}
		}
	}

	for _, id := range order {
		if s.seen(id) {
			continue
		}
		class := due[id]
		logger.Info("booking window opened for target", "class_id", id, "class", class.Name, "start", class.StartTime)

		var outcome portal.Outcome
		err := s.Portal.Do(ctx, func(ctx context.Context, sess *portal.Session) error {
			outcome = s.Attempter.Attempt(ctx, sess, class)
			return nil
		})
		if err != nil {
			logger.Error("scheduled booking could not start", "class_id", id, "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		if settled(outcome) {
			s.mark(id)
		}
		logger.Info("scheduled booking finished", "class_id", id, "outcome", portal.Label(outcome))
	}
	return nil
}

// settled reports whether an outcome should stop later ticks from retrying.
func settled(o portal.Outcome) bool {
	switch o.(type) {
	case portal.Booked, portal.Waitlisted, portal.PermanentFailure:
		return true
	}
	return false
}

func (s *Scheduler) seen(id int64) bool {
	s.Locker.Lock()
	defer s.Locker.Unlock()
	return s.triggered[id]
}

func (s *Scheduler) mark(id int64) {
	s.Locker.Lock()
	defer s.Locker.Unlock()
	s.triggered[id] = true
}

// Run ticks at second zero of every minute until ctx is cancelled. A tick
// still running when the next one is due is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.Location),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err := c.AddFunc(cronSpec, func() {
		if err := s.Tick(ctx, s.Clock.Now()); err != nil && ctx.Err() == nil {
			logger.Warn("schedule tick failed", "error", err)
		}
	})
	if err != nil {
		return err
	}

	logger.Info("scheduler started", "targets", len(s.Targets))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
