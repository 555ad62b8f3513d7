package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/daemon"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/notify"
	"github.com/example/gym-sniper/internal/portal"
	"github.com/example/gym-sniper/internal/queue"
	"github.com/example/gym-sniper/internal/scheduler"
)

func newUpcomingCmd(configPath func() string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "upcoming",
		Short: "List upcoming classes matching the configured targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			if len(a.cfg.Targets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No targets configured.")
				return nil
			}
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			classes, err := a.client.GetClasses(ctx, sess, portal.NextDays(a.clock.Now(), days))
			if err != nil {
				return err
			}
			printUpcoming(cmd.OutOrStdout(), matchTargets(classes, a.cfg.Targets, a.loc), a.loc)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", scheduler.CatalogueDays, "number of days to look ahead")
	return cmd
}

func matchTargets(classes []portal.ClassInstance, targets []config.Target, loc *time.Location) []portal.ClassInstance {
	var out []portal.ClassInstance
	for _, c := range classes {
		for _, t := range targets {
			if scheduler.Match(t, c, loc) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func printUpcoming(w io.Writer, classes []portal.ClassInstance, loc *time.Location) {
	if len(classes) == 0 {
		fmt.Fprintln(w, "\nNo upcoming classes match the configured targets.")
		return
	}
	fmt.Fprintf(w, "\n%-8s %-30s %-15s %-20s %-20s %-12s\n", "ID", "Name", "Trainer", "Time", "Window opens", "Status")
	fmt.Fprintf(w, "%s\n", repeat('-', 108))
	for _, c := range classes {
		fmt.Fprintf(w, "%-8d %-30s %-15s %-20s %-20s %-12s\n",
			c.ID, truncate(c.Name, 28), truncate(dash(c.Trainer), 13),
			c.StartTime.In(loc).Format(displayTime), booking.OpensAt(c.StartTime).In(loc).Format(displayTime), c.Status)
	}
}

func newSnipeCmd(configPath func() string) *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "snipe <class-id>",
		Short: "Wait for a class's booking window and book it the moment it opens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClassID(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			if strategy == "" {
				strategy = a.cfg.Snipe.Strategy
			}
			waiter, err := booking.NewWaiter(strategy)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			notifier := notify.NewPipeline(a.cfg)
			stopNotify := notifier.Start(ctx)
			defer stopNotify()

			engine := booking.NewEngine(a.client, a.clock, notifier, waiter)
			res, err := daemon.NewSniper(a.client, engine).Snipe(ctx, id)
			if err != nil {
				return fmt.Errorf("snipe %d stopped while %s: %w", id, res.State, err)
			}
			return snipeResult(cmd.OutOrStdout(), res, a.loc)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "wait strategy: precise or adaptive (default from config)")
	return cmd
}

// snipeResult reports a finished run and turns anything short of a place into
// an error.
func snipeResult(w io.Writer, res booking.Result, loc *time.Location) error {
	switch res.State {
	case booking.StateBooked, booking.StateWaitlisted:
		fmt.Fprintf(w, "%s: %s at %s\n", res.Outcome, res.Class.Name, res.Class.StartTime.In(loc).Format(displayTime))
		return nil
	case booking.StateExpired:
		return fmt.Errorf("class %d started before it could be booked", res.Class.ID)
	default:
		return fmt.Errorf("class %d: %s", res.Class.ID, res.Outcome)
	}
}

// openManager builds a queue manager for the one-shot queue commands. It
// never launches snipes; the daemon does that.
func openManager(cmd *cobra.Command, a *app) (*queue.Manager, func(), error) {
	store, closeStore, err := daemon.OpenStore(cmd.Context(), a.cfg)
	if err != nil {
		return nil, nil, err
	}
	m := queue.NewManager(store, queue.Options{
		Lookup:         portal.NewAccount(a.client),
		Clock:          a.clock,
		Location:       a.loc,
		ActivationLead: a.cfg.Snipe.ActivationLead.Duration,
	})
	return m, closeStore, nil
}

func newSnipeAddCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snipe-add <class-id>",
		Short: "Queue a class for the snipe daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClassID(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			m, closeStore, err := openManager(cmd, a)
			if err != nil {
				return err
			}
			defer closeStore()
			e, err := m.Add(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s at %s (class ID %d); booking window opens %s\n",
				e.ClassName, e.ClassTime.In(a.loc).Format(displayTime), e.ClassID, e.WindowOpensAt.In(a.loc).Format(displayTime))
			return nil
		},
	}
}

func newSnipeRemoveCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snipe-remove <class-id>",
		Short: "Remove a class from the snipe queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClassID(args[0])
			if err != nil {
				return err
			}
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			m, closeStore, err := openManager(cmd, a)
			if err != nil {
				return err
			}
			defer closeStore()
			if err := m.Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed class %d from the snipe queue\n", id)
			return nil
		},
	}
}

func newSnipesCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "snipes",
		Short: "Show the snipe queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			m, closeStore, err := openManager(cmd, a)
			if err != nil {
				return err
			}
			defer closeStore()
			entries, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			printSnipes(cmd.OutOrStdout(), entries, a.loc)
			return nil
		},
	}
}

func printSnipes(w io.Writer, entries []queue.Entry, loc *time.Location) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "\nSnipe queue is empty.")
		return
	}
	fmt.Fprintf(w, "\n%-8s %-30s %-20s %-20s %-12s %s\n", "ID", "Name", "Time", "Window opens", "Status", "Message")
	fmt.Fprintf(w, "%s\n", repeat('-', 100))
	for _, e := range entries {
		fmt.Fprintf(w, "%-8d %-30s %-20s %-20s %-12s %s\n",
			e.ClassID, truncate(e.ClassName, 28), e.ClassTime.In(loc).Format(displayTime),
			e.WindowOpensAt.In(loc).Format(displayTime), e.Status, e.Message)
	}
}

func newSnipeDaemonCmd(configPath func() string) *cobra.Command {
	var opts daemon.Options
	cmd := &cobra.Command{
		Use:   "snipe-daemon",
		Short: "Run the snipe queue, the target scheduler and the optional dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			if opts.Listen == "" {
				opts.Listen = a.cfg.Dashboard.Listen
			}
			ctx, cancel := signalContext()
			defer cancel()
			d, err := daemon.New(ctx, a.cfg, opts)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "serve the dashboard on this address, e.g. :8080")
	cmd.Flags().BoolVar(&opts.NoSchedule, "no-schedule", false, "do not run the target scheduler")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "wait strategy: precise or adaptive (default from config)")
	return cmd
}

func newScheduleCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Book classes matching the configured targets as their windows open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			if len(a.cfg.Targets) == 0 {
				return fmt.Errorf("%w: no targets configured", config.ErrInvalid)
			}
			ctx, cancel := signalContext()
			defer cancel()

			notifier := notify.NewPipeline(a.cfg)
			stopNotify := notifier.Start(ctx)
			defer stopNotify()

			attempter := booking.NewAttempter(a.client, a.clock, notifier, booking.SchedulePolicy, booking.SourceSchedule)
			s := scheduler.New(portal.NewAccount(a.client), attempter, a.cfg.Targets, a.loc, nil)
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("scheduler stopped")
			return nil
		},
	}
}
