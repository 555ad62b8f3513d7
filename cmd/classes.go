package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/gym-sniper/internal/booking"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/portal"
)

func newLoginCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check that the configured credentials can log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if _, err := a.login(ctx); err != nil {
				return err
			}
			logger.Info("login successful")
			return nil
		},
	}
}

func newListCmd(configPath func() string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upcoming classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			logger.Info("fetching classes", "days", days)
			classes, err := a.client.GetClasses(ctx, sess, portal.NextDays(a.clock.Now(), days))
			if err != nil {
				return err
			}
			printClasses(cmd.OutOrStdout(), classes, a.loc)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "number of days to look ahead")
	return cmd
}

func newTrainerCmd(configPath func() string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "trainer <name>",
		Short: "List upcoming classes led by a trainer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			logger.Info("searching trainer", "name", args[0], "days", days)
			classes, err := a.client.GetClasses(ctx, sess, portal.NextDays(a.clock.Now(), days))
			if err != nil {
				return err
			}
			found := byTrainer(classes, args[0])
			if len(found) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nNo classes found for trainer matching '%s'\n", args[0])
				return nil
			}
			printClasses(cmd.OutOrStdout(), found, a.loc)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 28, "number of days to look ahead")
	return cmd
}

func byTrainer(classes []portal.ClassInstance, name string) []portal.ClassInstance {
	needle := strings.ToLower(name)
	var out []portal.ClassInstance
	for _, c := range classes {
		if c.Trainer != "" && strings.Contains(strings.ToLower(c.Trainer), needle) {
			out = append(out, c)
		}
	}
	return out
}

func newBookCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "book <class-id>",
		Short: "Book a class now",
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
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			class, err := a.client.GetClass(ctx, sess, id)
			if err != nil {
				return err
			}
			logger.Info("booking class", "class_id", id, "name", class.Name)

			attempter := booking.NewAttempter(a.client, a.clock, nil, booking.ManualPolicy, booking.SourceManual)
			o := attempter.Attempt(ctx, sess, class)
			if !portal.IsSuccess(o) {
				return fmt.Errorf("book %d: %s", id, o)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %s\n", o, class.Name, class.StartTime.In(a.loc).Format(displayTime))
			return nil
		},
	}
}

func newBookingsCmd(configPath func() string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "bookings",
		Short: "List your current bookings and waitlist places",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			bookings, err := a.client.MyBookings(ctx, sess, days)
			if err != nil {
				return err
			}
			if len(bookings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "\nNo current bookings found.")
				return nil
			}
			printBookings(cmd.OutOrStdout(), bookings, a.loc)
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 14, "number of days to look ahead")
	return cmd
}

func newCancelCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <class-id>",
		Short: "Cancel a booking or leave a waitlist",
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
			ctx, cancel := signalContext()
			defer cancel()
			sess, err := a.login(ctx)
			if err != nil {
				return err
			}
			if err := a.client.CancelBooking(ctx, sess, id); err != nil {
				return fmt.Errorf("cancel %d: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled booking for class %d\n", id)
			return nil
		},
	}
}
