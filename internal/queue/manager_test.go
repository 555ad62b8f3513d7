package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/portal"
)

type fakeLookup map[int64]portal.ClassInstance

func (f fakeLookup) LookupClass(ctx context.Context, id int64) (portal.ClassInstance, error) {
	c, ok := f[id]
	if !ok {
		return portal.ClassInstance{}, portal.ErrNotFound
	}
	return c, nil
}

type fakeSniper struct {
	mu     sync.Mutex
	calls  []int64
	result booking.Result
	// block makes Snipe wait for cancellation.
	block bool
	ready chan struct{}
}

func (s *fakeSniper) Snipe(ctx context.Context, id int64) (booking.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, id)
	block, ready := s.block, s.ready
	s.mu.Unlock()
	if block {
		if ready != nil {
			close(ready)
		}
		<-ctx.Done()
		return booking.Result{State: booking.StateWaiting}, ctx.Err()
	}
	return s.result, nil
}

func (s *fakeSniper) Calls() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.calls...)
}

var (
	mon0915 = portal.ClassInstance{ID: 1, Name: "Yoga", StartTime: time.Date(2025, 2, 17, 9, 15, 0, 0, time.UTC)}
	mon1800 = portal.ClassInstance{ID: 2, Name: "Spin", StartTime: time.Date(2025, 2, 17, 18, 0, 0, 0, time.UTC)}
	tue0915 = portal.ClassInstance{ID: 3, Name: "Pilates", StartTime: time.Date(2025, 2, 18, 9, 15, 0, 0, time.UTC)}
)

func newManagerFixture(t *testing.T, now time.Time) (*Manager, *FileStore, *fakeSniper, *clock.Fake) {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "snipes.json"))
	sniper := &fakeSniper{result: booking.Result{State: booking.StateBooked, Outcome: portal.Booked{Name: "Yoga"}}}
	c := clock.NewFake(now)
	m := NewManager(store, Options{
		Lookup:   fakeLookup{1: mon0915, 2: mon1800, 3: tue0915},
		Sniper:   sniper,
		Clock:    c,
		Location: time.UTC,
	})
	return m, store, sniper, c
}

func seed(t *testing.T, s Store, entries ...Entry) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(q *Queue) error {
		q.Entries = append(q.Entries, entries...)
		return nil
	}))
}

func load(t *testing.T, s Store) Queue {
	t.Helper()
	q, err := s.Load(context.Background())
	require.NoError(t, err)
	return q
}

func TestAddComputesWindow(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))

	e, err := m.Add(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, StatusQueued, e.Status)
	assert.True(t, e.WindowOpensAt.Equal(time.Date(2025, 2, 10, 7, 15, 0, 0, time.UTC)), "opens at %s", e.WindowOpensAt)
	assert.Equal(t, "Yoga", e.ClassName)

	select {
	case <-m.Changed():
	default:
		t.Fatal("expected change signal")
	}
}

func TestAddRejectsSecondClassSameDay(t *testing.T) {
	m, store, _, _ := newManagerFixture(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := m.Add(ctx, 1)
	require.NoError(t, err)

	_, err = m.Add(ctx, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDayConflict)
	var conflict *DayConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.Existing.ClassID)
	assert.Equal(t, "2025-02-10", conflict.Day)
	assert.Len(t, load(t, store).Entries, 1)

	_, err = m.Add(ctx, 3)
	assert.NoError(t, err)
}

func TestAddRejectsDuplicate(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := m.Add(ctx, 1)
	require.NoError(t, err)
	_, err = m.Add(ctx, 1)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestAddAfterRemoveSameDay(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := m.Add(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, 1))

	_, err = m.Add(ctx, 2)
	assert.NoError(t, err)
}

func TestRemoveUnknown(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Now())
	assert.ErrorIs(t, m.Remove(context.Background(), 42), ErrNotFound)
}

func TestAddReplacesResolvedEntry(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	m, store, _, _ := newManagerFixture(t, now)
	resolved := now.Add(-time.Hour)
	seed(t, store, Entry{ClassID: 1, ClassName: "Yoga", ClassTime: mon0915.StartTime,
		WindowOpensAt: booking.OpensAt(mon0915.StartTime), Status: StatusFailed, ResolvedAt: &resolved, Message: "x"})

	_, err := m.Add(context.Background(), 1)
	require.NoError(t, err)

	q := load(t, store)
	require.Len(t, q.Entries, 1)
	assert.Equal(t, StatusQueued, q.Entries[0].Status)
	assert.Nil(t, q.Entries[0].ResolvedAt)
	assert.Empty(t, q.Entries[0].Message)
}

func TestResolvedEntryDoesNotHoldDay(t *testing.T) {
	now := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	m, store, _, _ := newManagerFixture(t, now)
	resolved := now.Add(-time.Hour)
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime,
		WindowOpensAt: booking.OpensAt(mon0915.StartTime), Status: StatusCompleted, ResolvedAt: &resolved})

	_, err := m.Add(context.Background(), 2)
	assert.NoError(t, err)
}

func TestAddClassStarted(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, mon0915.StartTime)
	_, err := m.Add(context.Background(), 1)
	assert.ErrorIs(t, err, ErrClassStarted)
}

func TestAddUnknownClass(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Now())
	_, err := m.Add(context.Background(), 99)
	assert.ErrorIs(t, err, portal.ErrNotFound)
}

func TestTickPurgesOldResolvedEntries(t *testing.T) {
	now := time.Date(2025, 2, 20, 12, 0, 0, 0, time.UTC)
	m, store, _, _ := newManagerFixture(t, now)
	eightDays := now.Add(-8 * 24 * time.Hour)
	sixDays := now.Add(-6 * 24 * time.Hour)
	seed(t, store,
		Entry{ClassID: 10, Status: StatusCompleted, ResolvedAt: &eightDays},
		Entry{ClassID: 11, Status: StatusFailed, ResolvedAt: &sixDays},
	)

	require.NoError(t, m.Tick(context.Background(), now))

	q := load(t, store)
	require.Len(t, q.Entries, 1)
	assert.Equal(t, int64(11), q.Entries[0].ClassID)
}

func TestTickExpiresStartedClass(t *testing.T) {
	now := mon0915.StartTime.Add(time.Minute)
	m, store, sniper, _ := newManagerFixture(t, now)
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime,
		WindowOpensAt: booking.OpensAt(mon0915.StartTime), Status: StatusQueued})

	require.NoError(t, m.Tick(context.Background(), now))
	m.Wait()

	e, ok := load(t, store).Find(1)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, e.Status)
	require.NotNil(t, e.ResolvedAt)
	assert.Empty(t, sniper.Calls())
}

func TestTickActivatesWithinLead(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	now := opens.Add(-4 * time.Minute)
	m, store, sniper, _ := newManagerFixture(t, now)
	seed(t, store,
		Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued},
		Entry{ClassID: 3, ClassTime: tue0915.StartTime, WindowOpensAt: booking.OpensAt(tue0915.StartTime), Status: StatusQueued},
	)

	require.NoError(t, m.Tick(context.Background(), now))
	m.Wait()

	assert.Equal(t, []int64{1}, sniper.Calls())
	q := load(t, store)
	e, _ := q.Find(1)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, "booked Yoga", e.Message)
	e, _ = q.Find(3)
	assert.Equal(t, StatusQueued, e.Status)

	require.NoError(t, m.Tick(context.Background(), now.Add(time.Second)))
	m.Wait()
	assert.Len(t, sniper.Calls(), 1, "resolved entry must not be activated again")
}

func TestTickOutsideLeadStaysQueued(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	now := opens.Add(-6 * time.Minute)
	m, store, sniper, _ := newManagerFixture(t, now)
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued})

	require.NoError(t, m.Tick(context.Background(), now))
	m.Wait()

	assert.Empty(t, sniper.Calls())
	e, _ := load(t, store).Find(1)
	assert.Equal(t, StatusQueued, e.Status)
}

func TestTickRecordsOutcomes(t *testing.T) {
	cases := []struct {
		res  booking.Result
		want Status
	}{
		{booking.Result{State: booking.StateWaitlisted, Outcome: portal.Waitlisted{Position: 2}}, StatusWaitlisted},
		{booking.Result{State: booking.StateFailed, Outcome: portal.PermanentFailure{Reason: portal.ReasonDailyLimit}}, StatusFailed},
		{booking.Result{State: booking.StateExpired}, StatusExpired},
	}
	for _, tc := range cases {
		t.Run(string(tc.want), func(t *testing.T) {
			opens := booking.OpensAt(mon0915.StartTime)
			m, store, sniper, _ := newManagerFixture(t, opens)
			sniper.result = tc.res
			seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued})

			require.NoError(t, m.Tick(context.Background(), opens))
			m.Wait()

			e, _ := load(t, store).Find(1)
			assert.Equal(t, tc.want, e.Status)
			assert.NotNil(t, e.ResolvedAt)
		})
	}
}

func TestCancelledSnipeStaysActiveAndRecovers(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	m, store, sniper, _ := newManagerFixture(t, opens)
	sniper.block = true
	sniper.ready = make(chan struct{})
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Tick(ctx, opens))
	<-sniper.ready
	cancel()
	m.Wait()

	e, _ := load(t, store).Find(1)
	assert.Equal(t, StatusActive, e.Status)

	n, err := m.Recover(context.Background(), opens.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, _ = load(t, store).Find(1)
	assert.Equal(t, StatusQueued, e.Status)
}

func TestRemoveCancelsRunningSnipe(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	m, store, sniper, _ := newManagerFixture(t, opens)
	sniper.block = true
	sniper.ready = make(chan struct{})
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued})

	require.NoError(t, m.Tick(context.Background(), opens))
	<-sniper.ready
	require.NoError(t, m.Remove(context.Background(), 1))
	m.Wait()

	assert.Empty(t, load(t, store).Entries)
}

func TestRecoverExpiresStartedClass(t *testing.T) {
	m, store, _, _ := newManagerFixture(t, time.Now())
	seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, Status: StatusActive})

	n, err := m.Recover(context.Background(), mon0915.StartTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, _ := load(t, store).Find(1)
	assert.Equal(t, StatusExpired, e.Status)
}

func TestNextWake(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	cases := []struct {
		name  string
		until time.Duration
		want  time.Duration
	}{
		{"far away", 3 * time.Hour, 30 * time.Minute},
		{"just over an hour", 61 * time.Minute, 30 * time.Minute},
		{"within the hour", 45 * time.Minute, 10 * time.Minute},
		{"half hour", 20 * time.Minute, time.Minute},
		{"capped at activation", 5*time.Minute + 20*time.Second, 20 * time.Second},
		{"within lead", 4 * time.Minute, 0},
		{"open", -time.Minute, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, store, _, _ := newManagerFixture(t, opens)
			seed(t, store, Entry{ClassID: 1, ClassTime: mon0915.StartTime, WindowOpensAt: opens, Status: StatusQueued})

			d, err := m.NextWake(context.Background(), opens.Add(-tc.until))
			require.NoError(t, err)
			assert.Equal(t, tc.want, d)
		})
	}
}

func TestNextWakeIdle(t *testing.T) {
	m, store, _, _ := newManagerFixture(t, time.Now())
	resolved := time.Now()
	seed(t, store, Entry{ClassID: 1, Status: StatusCompleted, ResolvedAt: &resolved})

	d, err := m.NextWake(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, d)
}

func TestListSorted(t *testing.T) {
	m, _, _, _ := newManagerFixture(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()
	_, err := m.Add(ctx, 3)
	require.NoError(t, err)
	_, err = m.Add(ctx, 1)
	require.NoError(t, err)

	entries, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ClassID)
	assert.Equal(t, int64(3), entries[1].ClassID)
}

func TestDayKeyUsesGymLocation(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	m := NewManager(NewFileStore(filepath.Join(t.TempDir(), "q.json")), Options{Location: loc})

	// 23:30 UTC is already the next day in Warsaw.
	assert.Equal(t, "2025-02-11", m.dayKey(time.Date(2025, 2, 10, 23, 30, 0, 0, time.UTC)))
}

// stagedSniper finishes its first run only when released, regardless of
// cancellation, as an in-flight booking request does. Later runs block until
// cancelled.
type stagedSniper struct {
	mu       sync.Mutex
	calls    int
	started  chan int
	release  chan struct{}
	returned chan struct{}
}

func (s *stagedSniper) Snipe(ctx context.Context, id int64) (booking.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	s.started <- n
	if n == 1 {
		<-s.release
		defer close(s.returned)
		return booking.Result{State: booking.StateBooked, Outcome: portal.Booked{Name: "Yoga"}}, nil
	}
	<-ctx.Done()
	return booking.Result{State: booking.StateWaiting}, ctx.Err()
}

func TestReAddWhileOldRunFinishes(t *testing.T) {
	opens := booking.OpensAt(mon0915.StartTime)
	store := NewFileStore(filepath.Join(t.TempDir(), "snipes.json"))
	sniper := &stagedSniper{started: make(chan int, 2), release: make(chan struct{}), returned: make(chan struct{})}
	m := NewManager(store, Options{
		Lookup:   fakeLookup{1: mon0915},
		Sniper:   sniper,
		Clock:    clock.NewFake(opens),
		Location: time.UTC,
	})
	ctx := context.Background()

	_, err := m.Add(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Tick(ctx, opens))
	require.Equal(t, 1, <-sniper.started)

	require.NoError(t, m.Remove(ctx, 1))
	_, err = m.Add(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Tick(ctx, opens))
	require.Equal(t, 2, <-sniper.started)

	close(sniper.release)
	<-sniper.returned
	assert.Never(t, func() bool {
		e, _ := load(t, store).Find(1)
		return e.Status != StatusActive
	}, 200*time.Millisecond, 10*time.Millisecond, "outcome of the removed run must not land on the new entry")

	require.NoError(t, m.Remove(ctx, 1))
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("second snipe still running after Remove")
	}
	assert.Empty(t, load(t, store).Entries)
}

func TestDayConflictShowsGymLocalTime(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Warsaw")
	require.NoError(t, err)
	store := NewFileStore(filepath.Join(t.TempDir(), "snipes.json"))
	m := NewManager(store, Options{
		Lookup:   fakeLookup{1: mon0915, 2: mon1800},
		Clock:    clock.NewFake(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)),
		Location: loc,
	})
	ctx := context.Background()

	_, err = m.Add(ctx, 1)
	require.NoError(t, err)
	_, err = m.Add(ctx, 2)

	var conflict *DayConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "2025-02-10", conflict.Day)
	// 09:15 UTC is 10:15 in Warsaw.
	assert.Contains(t, err.Error(), "Yoga at 10:15")
}
