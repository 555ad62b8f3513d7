package daemon

import (
	"context"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/queue"
)

const (
	errorBackoff = 5 * time.Second
	// rescanEvery bounds how long an entry added by another process can go
	// unnoticed while the loop sleeps.
	rescanEvery = time.Minute
)

// RunQueue ticks the queue manager, sleeping for NextWake between ticks and
// waking early when an entry is added. It returns when ctx is done, after
// launched snipes have stopped.
func RunQueue(ctx context.Context, m *queue.Manager, c clock.Clock) error {
	n, err := m.Recover(ctx, c.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Info("resuming interrupted snipes", "count", n)
	}

	defer m.Wait()
	for {
		wait := errorBackoff
		if err := m.Tick(ctx, c.Now()); err != nil {
			logger.Error("queue tick failed", "error", err)
		} else if d, err := m.NextWake(ctx, c.Now()); err != nil {
			logger.Error("queue wake computation failed", "error", err)
		} else {
			wait = d
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wait > 0 {
			logger.Debug("queue sleeping", "for", wait)
		}
		if err := waitForWork(ctx, m, c, wait); err != nil {
			return err
		}
	}
}

// waitForWork sleeps up to d in steps of at most rescanEvery. Between steps it
// asks the manager again, so a nearer wake written to the store by another
// process shortens the wait. An in-process add ends it at once.
func waitForWork(ctx context.Context, m *queue.Manager, c clock.Clock, d time.Duration) error {
	deadline := c.Now().Add(d)
	for {
		step := min(max(deadline.Sub(c.Now()), 0), rescanEvery)
		woke, err := sleepOrWake(ctx, c, step, m.Changed())
		if err != nil || woke {
			return err
		}
		now := c.Now()
		if !now.Before(deadline) {
			return nil
		}
		next, err := m.NextWake(ctx, now)
		if err != nil {
			logger.Error("queue wake computation failed", "error", err)
			continue
		}
		if at := now.Add(next); at.Before(deadline) {
			deadline = at
		}
	}
}

// sleepOrWake sleeps for d unless wake fires first, reporting whether it did.
// Only ctx errors are returned.
func sleepOrWake(ctx context.Context, c clock.Clock, d time.Duration, wake <-chan struct{}) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	woke := make(chan bool, 1)
	go func() {
		select {
		case <-wake:
			woke <- true
			cancel()
		case <-sctx.Done():
			woke <- false
		}
	}()
	_ = c.Sleep(sctx, d)
	cancel()
	return <-woke, ctx.Err()
}
