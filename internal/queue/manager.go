package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
	"github.com/example/gym-sniper/internal/portal"
)

// Lookup fetches a class by id, handling its own session.
type Lookup interface {
	LookupClass(ctx context.Context, classID int64) (portal.ClassInstance, error)
}

// Sniper runs one snipe to a terminal state. A non-nil error means the run
// was cancelled and the entry should stay active for recovery.
type Sniper interface {
	Snipe(ctx context.Context, classID int64) (booking.Result, error)
}

const (
	DefaultActivationLead = 5 * time.Minute
	Retention             = 7 * 24 * time.Hour
	idleWake              = 60 * time.Second
)

type Options struct {
	Lookup         Lookup
	Sniper         Sniper
	Clock          clock.Clock
	Locker         sync.Locker
	Location       *time.Location
	ActivationLead time.Duration
	Calc           booking.Calculator
}

// Manager owns the snipe queue: CRUD with the one-per-day rule, activation of
// entries whose window is near, and recording engine outcomes.
type Manager struct {
	store  Store
	lookup Lookup
	sniper Sniper
	clock  clock.Clock
	mu     sync.Locker
	loc    *time.Location
	lead   time.Duration
	calc   booking.Calculator

	wg      sync.WaitGroup
	runMu   sync.Mutex
	running map[int64]*run
	wake    chan struct{}
}

// run is one activation of an entry. Its identity tells a finishing goroutine
// whether the entry it was started for is still the one in the queue.
type run struct {
	cancel context.CancelFunc
}

func NewManager(store Store, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Locker == nil {
		opts.Locker = &sync.Mutex{}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ActivationLead <= 0 {
		opts.ActivationLead = DefaultActivationLead
	}
	return &Manager{
		store:   store,
		lookup:  opts.Lookup,
		sniper:  opts.Sniper,
		clock:   opts.Clock,
		mu:      opts.Locker,
		loc:     opts.Location,
		lead:    opts.ActivationLead,
		calc:    opts.Calc,
		running: make(map[int64]*run),
		wake:    make(chan struct{}, 1),
	}
}

// Changed signals after the queue gains an entry, so a sleeping daemon can
// recompute its wake time.
func (m *Manager) Changed() <-chan struct{} { return m.wake }

func (m *Manager) dayKey(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}

// Add looks up classID and queues it. A previous resolved entry for the same
// class is replaced.
func (m *Manager) Add(ctx context.Context, classID int64) (Entry, error) {
	class, err := m.lookup.LookupClass(ctx, classID)
	if err != nil {
		return Entry{}, fmt.Errorf("look up class %d: %w", classID, err)
	}
	now := m.clock.Now()
	if !now.Before(class.StartTime) {
		return Entry{}, fmt.Errorf("%w: %s at %s", ErrClassStarted, class.Name, class.StartTime.Format(time.RFC3339))
	}
	entry := Entry{
		ClassID:       class.ID,
		ClassName:     class.Name,
		Trainer:       class.Trainer,
		ClassTime:     class.StartTime,
		WindowOpensAt: m.calc.OpensAt(class.StartTime),
		Status:        StatusQueued,
		CreatedAt:     now,
	}
	day := m.dayKey(entry.WindowOpensAt)

	m.mu.Lock()
	defer m.mu.Unlock()
	err = m.store.Update(ctx, func(q *Queue) error {
		replace := -1
		for i, e := range q.Entries {
			if e.ClassID == entry.ClassID {
				if e.Status.Pending() {
					return fmt.Errorf("%w: %d", ErrAlreadyQueued, e.ClassID)
				}
				replace = i
				continue
			}
			if e.Status.Pending() && m.dayKey(e.WindowOpensAt) == day {
				return &DayConflictError{Day: day, Existing: e, Location: m.loc}
			}
		}
		if replace >= 0 {
			q.Entries[replace] = entry
		} else {
			q.Entries = append(q.Entries, entry)
		}
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	logger.Info("snipe queued", "class_id", entry.ClassID, "class", entry.ClassName, "opens_at", entry.WindowOpensAt)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return entry, nil
}

// Remove deletes the entry for classID, cancelling its run if one is active.
func (m *Manager) Remove(ctx context.Context, classID int64) error {
	m.mu.Lock()
	err := m.store.Update(ctx, func(q *Queue) error {
		i := q.index(classID)
		if i < 0 {
			return fmt.Errorf("%w: %d", ErrNotFound, classID)
		}
		q.Entries = append(q.Entries[:i], q.Entries[i+1:]...)
		return nil
	})
	if err == nil {
		m.runMu.Lock()
		if r, ok := m.running[classID]; ok {
			r.cancel()
			delete(m.running, classID)
		}
		m.runMu.Unlock()
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	logger.Info("snipe removed", "class_id", classID)
	return nil
}

// List returns all entries ordered by window opening time.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return q.Sorted(), nil
}

// Tick purges old entries, expires started classes and activates entries whose
// window opens within the activation lead. Activated entries are sniped in
// their own goroutines.
func (m *Manager) Tick(ctx context.Context, now time.Time) error {
	var activated []Entry
	var counts map[string]int

	m.mu.Lock()
	err := m.store.Update(ctx, func(q *Queue) error {
		activated = activated[:0]
		if n := q.purge(now.Add(-Retention)); n > 0 {
			logger.Info("purged old snipes", "count", n)
		}
		for i := range q.Entries {
			e := &q.Entries[i]
			if e.Status != StatusQueued {
				continue
			}
			if !now.Before(e.ClassTime) {
				e.resolve(StatusExpired, "class started before the snipe ran", now)
				logger.Warn("snipe expired", "class_id", e.ClassID)
				continue
			}
			if !e.WindowOpensAt.After(now.Add(m.lead)) {
				e.Status = StatusActive
				activated = append(activated, *e)
			}
		}
		counts = q.Counts()
		return nil
	})
	if err == nil {
		for _, e := range activated {
			m.launch(ctx, e)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("queue tick: %w", err)
	}
	metrics.SetQueueCounts(counts)
	return nil
}

// launch starts the snipe for e. Callers hold m.mu so that a concurrent
// Remove either sees the run or runs before the entry is activated.
func (m *Manager) launch(ctx context.Context, e Entry) {
	rctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}
	m.runMu.Lock()
	if prev, ok := m.running[e.ClassID]; ok {
		prev.cancel()
	}
	m.running[e.ClassID] = r
	m.runMu.Unlock()

	logger.Info("snipe activated", "class_id", e.ClassID, "class", e.ClassName, "opens_at", e.WindowOpensAt)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.release(e.ClassID, r)
			cancel()
		}()

		res, err := m.sniper.Snipe(rctx, e.ClassID)
		if err != nil {
			logger.Warn("snipe interrupted", "class_id", e.ClassID, "error", err)
			return
		}
		if err := m.record(context.WithoutCancel(ctx), e.ClassID, r, res); err != nil {
			logger.Error("failed to record snipe outcome", "class_id", e.ClassID, "error", err)
		}
	}()
}

func (m *Manager) current(classID int64, r *run) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running[classID] == r
}

// release forgets r unless a newer run has replaced it.
func (m *Manager) release(classID int64, r *run) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running[classID] == r {
		delete(m.running, classID)
	}
}

// record stores an engine result on the active entry for classID. Results
// from a run that was removed or superseded are dropped.
func (m *Manager) record(ctx context.Context, classID int64, r *run, res booking.Result) error {
	status, msg := statusFor(res)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(classID, r) {
		logger.Info("dropping outcome of a superseded snipe", "class_id", classID, "status", string(status))
		return nil
	}
	return m.store.Update(ctx, func(q *Queue) error {
		i := q.index(classID)
		if i < 0 || q.Entries[i].Status != StatusActive {
			return nil
		}
		q.Entries[i].resolve(status, msg, now)
		logger.Info("snipe resolved", "class_id", classID, "status", string(status), "message", msg)
		return nil
	})
}

func statusFor(res booking.Result) (Status, string) {
	msg := ""
	if res.Outcome != nil {
		msg = res.Outcome.String()
	}
	switch res.State {
	case booking.StateBooked:
		return StatusCompleted, msg
	case booking.StateWaitlisted:
		return StatusWaitlisted, msg
	case booking.StateExpired:
		return StatusExpired, "class started before a booking was made"
	default:
		return StatusFailed, msg
	}
}

// Recover returns entries left active by a previous process to queued, or
// expires them if their class has started.
func (m *Manager) Recover(ctx context.Context, now time.Time) (int, error) {
	n := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.store.Update(ctx, func(q *Queue) error {
		n = 0
		for i := range q.Entries {
			e := &q.Entries[i]
			if e.Status != StatusActive {
				continue
			}
			n++
			if !now.Before(e.ClassTime) {
				e.resolve(StatusExpired, "class started while the daemon was down", now)
				continue
			}
			e.Status = StatusQueued
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("recovered interrupted snipes", "count", n)
	}
	return n, nil
}

// NextWake returns how long the daemon may sleep before the next Tick.
func (m *Manager) NextWake(ctx context.Context, now time.Time) (time.Duration, error) {
	m.mu.Lock()
	q, err := m.store.Load(ctx)
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	var next time.Time
	for _, e := range q.Entries {
		if e.Status != StatusQueued {
			continue
		}
		if next.IsZero() || e.WindowOpensAt.Before(next) {
			next = e.WindowOpensAt
		}
	}
	if next.IsZero() {
		return idleWake, nil
	}

	untilOpen := next.Sub(now)
	untilActive := untilOpen - m.lead
	var d time.Duration
	switch {
	case untilActive <= 0:
		return 0, nil
	case untilOpen > 60*time.Minute:
		d = 30 * time.Minute
	case untilOpen > 30*time.Minute:
		d = 10 * time.Minute
	default:
		d = time.Minute
	}
	return min(d, untilActive), nil
}

// Wait blocks until every launched snipe has finished.
func (m *Manager) Wait() { m.wg.Wait() }
