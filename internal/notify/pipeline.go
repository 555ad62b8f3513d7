package notify

import (
	"context"

	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/logger"
)

const asyncBuffer = 32

// Pipeline is the configured notification chain. With no email settings it
// discards events. With Redis configured events are queued there and Run
// delivers them; otherwise they are mailed from an in-process buffer.
type Pipeline struct {
	Notifier
	run   func(ctx context.Context)
	close func()
}

func NewPipeline(cfg config.Config) *Pipeline {
	if cfg.Email == nil {
		logger.Debug("email not configured, notifications disabled")
		return &Pipeline{Notifier: Nop{}}
	}
	return newPipeline(NewMailer(*cfg.Email), cfg.Redis.Addr)
}

func newPipeline(sender Sender, redisAddr string) *Pipeline {
	if redisAddr != "" {
		q := NewRedisQueue(redisAddr)
		return &Pipeline{
			Notifier: q,
			run:      func(ctx context.Context) { q.Run(ctx, sender) },
			close: func() {
				if err := q.Close(); err != nil {
					logger.Warn("closing redis notification queue", "error", err)
				}
			},
		}
	}
	a := NewAsync(sender, asyncBuffer)
	return &Pipeline{Notifier: a, close: a.Close}
}

// Run delivers queued events until ctx is done. It returns at once when the
// pipeline has no background worker.
func (p *Pipeline) Run(ctx context.Context) {
	if p.run != nil {
		p.run(ctx)
	}
}

// Close flushes buffered events and releases connections.
func (p *Pipeline) Close() {
	if p.close != nil {
		p.close()
	}
}

// Start runs the delivery worker in the background. The returned func stops
// the worker, waits for it to return, then closes the pipeline.
func (p *Pipeline) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
		p.Close()
	}
}
