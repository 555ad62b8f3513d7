package notify

import (
	"context"
	"sync"
	"time"

	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/metrics"
)

// Async hands events to a Sender on a background goroutine. When the buffer
// is full the event is dropped.
type Async struct {
	sender  Sender
	events  chan Event
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsync(sender Sender, buffer int) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{sender: sender, events: make(chan Event, buffer), timeout: 30 * time.Second}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Notify(e Event) {
	select {
	case a.events <- e:
	default:
		metrics.RecordNotification("async", "dropped")
		logger.Warn("notification dropped, buffer full", "class_id", e.ClassID, "outcome", e.Outcome)
	}
}

func (a *Async) loop() {
	defer a.wg.Done()
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sender.Send(ctx, e); err != nil {
			logger.Error("notification failed", "class_id", e.ClassID, "outcome", e.Outcome, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain. Notify
// must not be called after Close.
func (a *Async) Close() {
	a.once.Do(func() { close(a.events) })
	a.wg.Wait()
}
