package booking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
)

// fakePortal scripts Book outcomes and records call times on a fake clock.
type fakePortal struct {
	mu    sync.Mutex
	clock *clock.Fake

	class    portal.ClassInstance
	classErr error
	// statusAt, when set, decides the class status at each GetClass.
	statusAt func(now time.Time) portal.Status

	outcomes []portal.Outcome
	waitlist portal.Outcome

	refreshErrs int

	bookCalls []time.Time
	waitCalls int
	refreshes int
	getCalls  int
}

func (p *fakePortal) Book(ctx context.Context, sess *portal.Session, id int64) portal.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookCalls = append(p.bookCalls, p.clock.Now())
	if len(p.outcomes) == 0 {
		return portal.Booked{Name: p.class.Name}
	}
	o := p.outcomes[0]
	if len(p.outcomes) > 1 {
		p.outcomes = p.outcomes[1:]
	}
	return o
}

func (p *fakePortal) JoinWaitlist(ctx context.Context, sess *portal.Session, id int64) portal.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitCalls++
	if p.waitlist == nil {
		return portal.Waitlisted{Position: 1}
	}
	return p.waitlist
}

func (p *fakePortal) Refresh(ctx context.Context, sess *portal.Session) (*portal.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	if p.refreshErrs > 0 {
		p.refreshErrs--
		return nil, errors.New("login failed")
	}
	return &portal.Session{Token: "fresh", IssuedAt: p.clock.Now()}, nil
}

func (p *fakePortal) GetClass(ctx context.Context, sess *portal.Session, id int64) (portal.ClassInstance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.getCalls++
	if p.classErr != nil {
		return portal.ClassInstance{}, p.classErr
	}
	c := p.class
	if p.statusAt != nil {
		c.Status = p.statusAt(p.clock.Now())
	}
	return c, nil
}

func (p *fakePortal) BookCalls() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.bookCalls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(e notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) Events() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}
