// Binary bundler manages the wallet pool and runs the maintenance scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = ""
)

const defaultConfigPath = "internal/config/config.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundler",
		Short: "Multi-wallet instruction bundler",
		Long:  "Bundler keeps an encrypted wallet pool funded and executes grouped instructions as bundles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", defaultConfigPath, "config file")
	cmd.PersistentFlags().StringP("log", "l", "", "override log level: debug, info, warn, error")
	cmd.PersistentFlags().Bool("paper", false, "simulate the network in memory")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newWalletsCmd())
	cmd.AddCommand(newBalancesCmd())
	cmd.AddCommand(newRebalanceCmd())
	cmd.AddCommand(newFeeCmd())
	cmd.AddCommand(newResultsCmd())
	cmd.AddCommand(newRunCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bundler %s (%s)\n", version, commit)
		},
	}
}

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
