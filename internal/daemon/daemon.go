package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/gym-sniper/internal/auth"
	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/db"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/migrate"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
	"github.com/example/gym-sniper/internal/queue"
	"github.com/example/gym-sniper/internal/scheduler"
	"github.com/example/gym-sniper/internal/web"
)

type Options struct {
	// Listen starts the dashboard on this address when set.
	Listen     string
	NoSchedule bool
	// Strategy overrides the configured snipe strategy.
	Strategy string
}

// Daemon runs the snipe queue, the target scheduler and the optional
// dashboard. The queue and the scheduler share one lock.
type Daemon struct {
	cfg      config.Config
	opts     Options
	strategy string
	clock    clock.Clock
	mu       sync.Mutex

	client    *portal.Client
	account   *portal.Account
	notifier  *notify.Pipeline
	manager   *queue.Manager
	scheduler *scheduler.Scheduler
	dashboard *web.Server
	closeDB   func()
}

// OpenStore picks the Postgres store when a database URL is configured and
// the JSON file store otherwise. The returned func releases the store.
func OpenStore(ctx context.Context, cfg config.Config) (queue.Store, func(), error) {
	if cfg.Database.URL == "" {
		return queue.NewFileStore(cfg.Snipe.QueueFile), func() {}, nil
	}
	d, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := migrate.Up(ctx, d); err != nil {
		d.Close()
		return nil, nil, err
	}
	logger.Info("using postgres snipe queue")
	return queue.NewPGStore(d), d.Close, nil
}

func New(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	c := clock.Real{}
	loc, err := cfg.Gym.Location()
	if err != nil {
		return nil, err
	}
	client, err := portal.NewFromConfig(cfg, c)
	if err != nil {
		return nil, err
	}
	strategy := cfg.Snipe.Strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	waiter, err := booking.NewWaiter(strategy)
	if err != nil {
		return nil, err
	}
	store, closeDB, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		strategy: strategy,
		clock:    c,
		client:   client,
		account:  portal.NewAccount(client),
		notifier: notify.NewPipeline(cfg),
		closeDB:  closeDB,
	}

	engine := booking.NewEngine(client, c, d.notifier, waiter)
	d.manager = queue.NewManager(store, queue.Options{
		Lookup:         d.account,
		Sniper:         NewSniper(client, engine),
		Clock:          c,
		Locker:         &d.mu,
		Location:       loc,
		ActivationLead: cfg.Snipe.ActivationLead.Duration,
	})

	if !opts.NoSchedule && len(cfg.Targets) > 0 {
		a := booking.NewAttempter(client, c, d.notifier, booking.SchedulePolicy, booking.SourceSchedule)
		d.scheduler = scheduler.New(d.account, a, cfg.Targets, loc, &d.mu)
	}

	if opts.Listen != "" {
		hashKey, blockKey, err := cfg.Dashboard.Keys()
		if err != nil {
			d.close()
			return nil, err
		}
		if cfg.Dashboard.Username == "" || cfg.Dashboard.PasswordHash == "" {
			d.close()
			return nil, fmt.Errorf("%w: dashboard username and password_hash are required with --listen", config.ErrInvalid)
		}
		d.dashboard = &web.Server{
			Auth:     auth.NewStore(cfg.Dashboard.Username, cfg.Dashboard.PasswordHash, hashKey, blockKey),
			Queue:    d.manager,
			Portal:   d.account,
			Location: loc,
		}
	}
	return d, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer d.close()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	start("notifications", func(ctx context.Context) error {
		d.notifier.Run(ctx)
		return nil
	})
	start("queue", func(ctx context.Context) error { return RunQueue(ctx, d.manager, d.clock) })
	if d.scheduler != nil {
		start("scheduler", d.scheduler.Run)
	} else {
		logger.Info("scheduler disabled")
	}
	if d.dashboard != nil {
		start("dashboard", func(ctx context.Context) error {
			return web.Start(ctx, d.opts.Listen, d.dashboard.Routes())
		})
	}

	logger.Info("snipe daemon started", "lead", d.cfg.Snipe.ActivationLead.Duration, "strategy", d.strategy)
	<-ctx.Done()
	logger.Info("snipe daemon stopping")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("timed out waiting for daemon components")
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (d *Daemon) close() {
	d.notifier.Close()
	d.closeDB()
}
