package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/gym-sniper/internal/auth"
	"github.com/example/gym-sniper/internal/config"
	"github.com/example/gym-sniper/internal/db"
	"github.com/example/gym-sniper/internal/logger"
	"github.com/example/gym-sniper/internal/migrate"
)

func newHashPasswordCmd() *cobra.Command {
	var password string
	c := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for dashboard.password_hash",
		Long:  "Print a bcrypt hash for dashboard.password_hash. Without --password the password is read from the first line of stdin.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	c.Flags().StringVar(&password, "password", "", "password to hash")
	return c
}

func newMigrateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the Postgres snipe queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			if cfg.Database.URL == "" {
				return fmt.Errorf("%w: database.url (or DATABASE_URL) is required", config.ErrInvalid)
			}

			ctx, cancel := signalContext()
			defer cancel()
			d, err := db.Open(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			n, err := migrate.Up(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}
