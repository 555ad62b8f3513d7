package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "gymsniper",
		Short:         "Automatically book gym classes the moment their booking window opens",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML config file")

	cfg := func() string { return configPath }

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newHashPasswordCmd())
	root.AddCommand(newMigrateCmd(cfg))

	root.AddCommand(newLoginCmd(cfg))
	root.AddCommand(newListCmd(cfg))
	root.AddCommand(newTrainerCmd(cfg))
	root.AddCommand(newUpcomingCmd(cfg))
	root.AddCommand(newBookCmd(cfg))
	root.AddCommand(newBookingsCmd(cfg))
	root.AddCommand(newCancelCmd(cfg))

	root.AddCommand(newSnipeCmd(cfg))
	root.AddCommand(newSnipeAddCmd(cfg))
	root.AddCommand(newSnipeRemoveCmd(cfg))
	root.AddCommand(newSnipesCmd(cfg))
	root.AddCommand(newSnipeDaemonCmd(cfg))
	root.AddCommand(newScheduleCmd(cfg))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
