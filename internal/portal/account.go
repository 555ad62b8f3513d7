package portal

import (
	"context"
	"sync"
	"time"
)

// renewBefore is how close to expiry a shared session is replaced.
const renewBefore = 5 * time.Minute

// Account shares one lazily created session between callers that make short
// calls: queue lookups, the scheduler and the dashboard. Calls are serialised
// because a Session is not safe for concurrent use. Long-running snipes log in
// their own sessions instead.
type Account struct {
	client *Client

	mu   sync.Mutex
	sess *Session
}

func NewAccount(c *Client) *Account {
	return &Account{client: c}
}

// Do runs fn with the shared session, logging in first when there is no
// session or it is about to expire.
func (a *Account) Do(ctx context.Context, fn func(ctx context.Context, sess *Session) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess.ExpiresWithin(a.client.clock.Now(), renewBefore) {
		sess, err := a.client.Login(ctx)
		if err != nil {
			return err
		}
		a.sess = sess
	}
	return fn(ctx, a.sess)
}

func (a *Account) LookupClass(ctx context.Context, id int64) (ClassInstance, error) {
	var class ClassInstance
	err := a.Do(ctx, func(ctx context.Context, sess *Session) error {
		var err error
		class, err = a.client.GetClass(ctx, sess, id)
		return err
	})
	return class, err
}

func (a *Account) Classes(ctx context.Context, r DateRange) ([]ClassInstance, error) {
	var classes []ClassInstance
	err := a.Do(ctx, func(ctx context.Context, sess *Session) error {
		var err error
		classes, err = a.client.GetClasses(ctx, sess, r)
		return err
	})
	return classes, err
}

func (a *Account) Bookings(ctx context.Context, days int) ([]ClassInstance, error) {
	var classes []ClassInstance
	err := a.Do(ctx, func(ctx context.Context, sess *Session) error {
		var err error
		classes, err = a.client.MyBookings(ctx, sess, days)
		return err
	})
	return classes, err
}

func (a *Account) Cancel(ctx context.Context, id int64) error {
	return a.Do(ctx, func(ctx context.Context, sess *Session) error {
		return a.client.CancelBooking(ctx, sess, id)
	})
}
