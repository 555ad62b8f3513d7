package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/gym-sniper/internal/clock"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/portal"
)

// app is what most commands need: validated config, a portal client and the
// gym's time zone.
type app struct {
	cfg    config.Config
	client *portal.Client
	loc    *time.Location
	clock  clock.Clock
}

func loadApp(configPath func() string) (*app, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	loc, err := cfg.Gym.Location()
	if err != nil {
		return nil, fmt.Errorf("gym timezone: %w", err)
	}
	c := clock.Real{}
	client, err := portal.NewFromConfig(cfg, c)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, client: client, loc: loc, clock: c}, nil
}

func (a *app) login(ctx context.Context) (*portal.Session, error) {
	logger.Info("logging in", "email", a.cfg.Credentials.Email)
	sess, err := a.client.Login(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return sess, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseClassID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid class id %q", s)
	}
	return id, nil
}

const displayTime = "Mon 02 Jan 15:04"

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printClasses(w io.Writer, classes []portal.ClassInstance, loc *time.Location) {
	fmt.Fprintf(w, "\n%-8s %-30s %-15s %-20s %-12s\n", "ID", "Name", "Trainer", "Time", "Status")
	fmt.Fprintf(w, "%s\n", repeat('-', 87))
	for _, c := range classes {
		fmt.Fprintf(w, "%-8d %-30s %-15s %-20s %-12s\n",
			c.ID, truncate(c.Name, 28), truncate(dash(c.Trainer), 13), c.StartTime.In(loc).Format(displayTime), c.Status)
	}
}

func printBookings(w io.Writer, classes []portal.ClassInstance, loc *time.Location) {
	fmt.Fprintf(w, "\n%-8s %-30s %-15s %-20s %-12s %-10s\n", "ID", "Name", "Trainer", "Time", "Status", "Waitlist")
	fmt.Fprintf(w, "%s\n", repeat('-', 97))
	for _, c := range classes {
		waitlist := "-"
		if c.WaitlistPosition > 0 {
			waitlist = "#" + strconv.Itoa(c.WaitlistPosition)
		}
		fmt.Fprintf(w, "%-8d %-30s %-15s %-20s %-12s %-10s\n",
			c.ID, truncate(c.Name, 28), truncate(dash(c.Trainer), 13), c.StartTime.In(loc).Format(displayTime), c.Status, waitlist)
	}
}

func repeat(r rune, n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = r
	}
	return string(b)
}
