package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"bundler-go/internal/config"
	"bundler-go/internal/engine"
	"bundler-go/internal/metrics"
	"bundler-go/internal/util"
)

// openRuntime loads config, applies flag overrides and opens the engine.
func openRuntime(cmd *cobra.Command) (*engine.Runtime, *config.Config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log"); level != "" {
		cfg.App.LogLevel = level
	}
	if cmd.Flags().Changed("paper") {
		cfg.Network.Paper, _ = cmd.Flags().GetBool("paper")
	}
	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat).With().Str("app", cfg.App.Name).Logger()

	rt, err := engine.Open(cmd.Context(), cfg, log)
	if err != nil {
		return nil, nil, log, err
	}
	return rt, cfg, log, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create and fund wallets up to the configured count",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Custody.Initialize(cmd.Context(), cfg.Wallets.Count); err != nil {
				return err
			}
			fmt.Printf("master %s\n", rt.Custody.Master())
			printWallets(rt)
			return nil
		},
	}
}

func newWalletsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallets",
		Short: "List wallet public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			printWallets(rt)
			return nil
		},
	}
}

func printWallets(rt *engine.Runtime) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tLABEL\tPUBKEY\tLOADED")
	for _, info := range rt.Wallets() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", info.Index, info.Label, info.PublicKey, info.Loaded)
	}
	w.Flush()
}

func newBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Show wallet and master balances in lamports",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			master, err := rt.Custody.MasterBalance(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("master %s %d\n", rt.Custody.Master(), master)
			balances := rt.Balances(ctx)
			indices := make([]int, 0, len(balances))
			for i := range balances {
				indices = append(indices, i)
			}
			sort.Ints(indices)
			for _, i := range indices {
				fmt.Printf("wallet %d %d\n", i, balances[i])
			}
			if missing := rt.Custody.Count() - len(balances); missing > 0 {
				fmt.Printf("%d wallet(s) could not be queried\n", missing)
			}
			return nil
		},
	}
}

func newRebalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Top up low wallets and return excess to master",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := rt.Rebalance(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range report.Transfers {
				status := "ok " + t.Signature
				if t.Err != nil {
					status = "failed: " + t.Err.Error()
				}
				fmt.Printf("wallet %d %s %d %s\n", t.Wallet, t.Direction, t.Lamports, status)
			}
			fmt.Printf("%d transfer(s), %d failed\n", len(report.Transfers), report.Failed())
			return nil
		},
	}
}

func newFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee",
		Short: "Print the recommended compute unit price",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			fmt.Printf("%d micro-lamports\n", rt.RecommendFee(cmd.Context()))
			return nil
		},
	}
}

func newResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "Count bundle results in the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, _, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			n, ok, err := rt.DurableResults(cmd.Context())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no durable store configured (storage.sqlite_path)")
			}
			fmt.Printf("%d bundle result(s) stored\n", n)
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve metrics and run rebalance and balance monitoring until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cfg, log, err := openRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Custody.Initialize(cmd.Context(), cfg.Wallets.Count); err != nil {
				return err
			}

			srv := metrics.Serve(cfg.App.MetricsAddr)
			log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			}()

			log.Info().Strs("tasks", rt.Scheduler().Tasks()).Msg("scheduler started")
			rt.Scheduler().Run(cmd.Context())
			failed := 0
			for _, res := range rt.Results() {
				if !res.Success {
					failed++
				}
			}
			log.Info().Interface("stats", rt.Stats()).Int("failed_bundles", failed).Msg("shutting down")
			return nil
		},
	}
}
