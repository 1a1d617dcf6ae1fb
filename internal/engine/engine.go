// Package engine is the caller-facing facade over custody, queueing, bundling and execution.
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"bundler-go/internal/bundle"
	"bundler-go/internal/config"
	"bundler-go/internal/execution"
	"bundler-go/internal/fees"
	"bundler-go/internal/history"
	"bundler-go/internal/keystore"
	"bundler-go/internal/ledger"
	"bundler-go/internal/lock"
	"bundler-go/internal/metrics"
	"bundler-go/internal/protect"
	"bundler-go/internal/risk"
	"bundler-go/internal/scheduler"
)

const (
	TaskRebalance      = "rebalance"
	TaskBalanceMonitor = "balance-monitor"
)

// Engine wires every component behind one set of operations.
type Engine struct {
	cfg       *config.Config
	custody   *keystore.Store
	net       ledger.Client
	queue     *bundle.Queue
	book      *bundle.Book
	builder   *bundle.Builder
	advisor   *fees.Advisor
	executor  *execution.Executor
	protector *protect.Decorator
	history   *history.Memory
	locker    lock.Locker
	sched     *scheduler.Scheduler
	log       zerolog.Logger
}

// New assembles an engine. A nil locker falls back to an in-process lock.
// Every execution result goes to the in-memory history and then to sinks.
func New(cfg *config.Config, custody *keystore.Store, net ledger.Client, locker lock.Locker, log zerolog.Logger, sinks ...execution.Sink) (*Engine, error) {
	if locker == nil {
		locker = lock.NewLocal()
	}
	e := &Engine{
		cfg:     cfg,
		custody: custody,
		net:     net,
		queue:   bundle.NewQueue(custody),
		book:    bundle.NewBook(),
		history: history.NewMemory(),
		locker:  locker,
		log:     log,
	}
	e.builder = bundle.NewBuilder(e.queue, e.book, custody, bundle.BuilderConfig{
		HighPriorityThreshold: cfg.Bundles.HighPriorityThreshold,
		BaselineMicroLamports: cfg.Bundles.BaselineMicroLamports,
		Limits:                risk.Limits{MaxWalletsPerBundle: cfg.Bundles.MaxWalletsPerBundle},
	}, log.With().Str("component", "builder").Logger())
	e.advisor = fees.NewAdvisor(net, cfg.Fees.BaselineMicroLamports, cfg.Fees.FallbackMicroLamports, cfg.Fees.Multiplier,
		log.With().Str("component", "fees").Logger())
	e.executor = execution.NewExecutor(e.book, e.queue, custody, net,
		execution.Config{MaxComputeUnits: cfg.Bundles.MaxComputeUnits},
		log.With().Str("component", "executor").Logger(),
		append([]execution.Sink{e.history}, sinks...)...)

	minDelay, maxDelay := cfg.Protection.DelayWindow()
	e.protector = protect.New(e, e.advisor, protect.Config{
		Obfuscation:     cfg.Protection.Obfuscation,
		RandomizeTiming: cfg.Protection.RandomizeTiming,
		MinDelay:        minDelay,
		MaxDelay:        maxDelay,
	}, log.With().Str("component", "protect").Logger())

	retry := scheduler.DefaultRetry()
	retry.MaxAttempts = cfg.Scheduler.MaxAttempts
	e.sched = scheduler.New(retry, log.With().Str("component", "scheduler").Logger())
	if err := e.sched.Add(scheduler.Task{
		Name:     TaskRebalance,
		Interval: time.Duration(cfg.Scheduler.RebalanceIntervalMs) * time.Millisecond,
		Run:      e.rebalanceTask,
	}); err != nil {
		return nil, err
	}
	if err := e.sched.Add(scheduler.Task{
		Name:     TaskBalanceMonitor,
		Interval: time.Duration(cfg.Scheduler.MonitorIntervalMs) * time.Millisecond,
		Run:      e.monitorBalances,
	}); err != nil {
		return nil, err
	}
	return e, nil
}

// Enqueue adds a pending instruction for wallet.
func (e *Engine) Enqueue(wallet int, ops []bundle.Op, priority int) (string, error) {
	return e.queue.Enqueue(wallet, ops, priority)
}

// CreateBundle builds a bundle from every pending instruction. Builds are serialized through the scheduling lock.
func (e *Engine) CreateBundle(ctx context.Context, opts bundle.Options) (bundle.Bundle, error) {
	if e.executor.Paused() {
		return bundle.Bundle{}, execution.ErrPaused
	}
	if opts.MaxInstructionsPerTransaction <= 0 {
		opts.MaxInstructionsPerTransaction = e.cfg.Bundles.MaxInstructionsPerTx
	}
	release, err := e.locker.Acquire(ctx)
	if err != nil {
		return bundle.Bundle{}, err
	}
	defer release()
	return e.builder.Build(opts)
}

// ExecuteBundle submits a pending bundle and returns its result.
func (e *Engine) ExecuteBundle(ctx context.Context, bundleID string) (bundle.ExecutionResult, error) {
	return e.executor.Execute(ctx, bundleID)
}

// SetBundlePriority re-prices every transaction of a pending bundle.
func (e *Engine) SetBundlePriority(bundleID string, level fees.Level) error {
	return e.book.SetExecutionPriority(bundleID, level)
}

func (e *Engine) Bundle(id string) (bundle.Bundle, error) { return e.book.Get(id) }

func (e *Engine) Bundles() []bundle.Bundle { return e.book.List() }

func (e *Engine) Instruction(id string) (bundle.Instruction, error) { return e.queue.Instruction(id) }

// Result returns the latest execution result for a bundle.
func (e *Engine) Result(bundleID string) (bundle.ExecutionResult, bool) {
	return e.history.Result(bundleID)
}

// Results lists every execution result of this process in first-executed order.
func (e *Engine) Results() []bundle.ExecutionResult { return e.history.Snapshot() }

// WalletStatus is a wallet's public info with its live balance and queue load.
type WalletStatus struct {
	keystore.WalletInfo
	Balance      uint64 `json:"balance"`
	BalanceKnown bool   `json:"balance_known"`
	Pending      int    `json:"pending_instructions"`
}

// WalletInfo reports one wallet. A failed balance query leaves BalanceKnown false.
func (e *Engine) WalletInfo(ctx context.Context, index int) (WalletStatus, error) {
	info, err := e.custody.Wallet(index)
	if err != nil {
		return WalletStatus{}, err
	}
	st := WalletStatus{WalletInfo: info, Pending: e.queue.PendingByWallet()[index]}
	bal, err := e.net.Balance(ctx, info.PublicKey)
	if err != nil {
		e.log.Warn().Err(err).Int("wallet", index).Msg("balance query failed")
		return st, nil
	}
	st.Balance, st.BalanceKnown = bal, true
	return st, nil
}

func (e *Engine) Wallets() []keystore.WalletInfo { return e.custody.Wallets() }

func (e *Engine) Balances(ctx context.Context) map[int]uint64 { return e.custody.Balances(ctx) }

func (e *Engine) Rebalance(ctx context.Context) (keystore.Report, error) { return e.custody.Rebalance(ctx) }

// Protect wraps ops with decoys and fees and returns the id of a new, unexecuted bundle.
func (e *Engine) Protect(ctx context.Context, wallet int, ops []bundle.Op, priority int, level fees.Level) (string, error) {
	return e.protector.Protect(ctx, wallet, ops, priority, level)
}

// RecommendFee returns the advisor's current compute unit price.
func (e *Engine) RecommendFee(ctx context.Context) uint64 { return e.advisor.Recommend(ctx) }

// OptimalWallet picks the least loaded wallet with a loaded signer, preferring richer ones on ties.
func (e *Engine) OptimalWallet(ctx context.Context) int {
	var usable []int
	for i := 0; i < e.custody.Count(); i++ {
		if e.custody.Has(i) {
			usable = append(usable, i)
		}
	}
	return bundle.OptimalAmong(usable, e.queue.PendingByWallet(), e.custody.Balances(ctx))
}

// Pause stops bundle creation and execution until Resume.
func (e *Engine) Pause() {
	e.executor.Pause()
	e.log.Warn().Msg("engine paused")
}

func (e *Engine) Resume() {
	e.executor.Resume()
	e.log.Info().Msg("engine resumed")
}

func (e *Engine) Paused() bool { return e.executor.Paused() }

// Stats mirrors the manager counters.
type Stats struct {
	ActiveBundles       int  `json:"active_bundles"`
	ExecutedBundles     int  `json:"executed_bundles"`
	PendingInstructions int  `json:"pending_instructions"`
	RecordedResults     int  `json:"recorded_results"`
	Wallets             int  `json:"wallets"`
	Paused              bool `json:"paused"`
}

func (e *Engine) Stats() Stats {
	counts := e.book.CountByStatus()
	return Stats{
		ActiveBundles:       counts[bundle.StatusPending] + counts[bundle.StatusExecuting],
		ExecutedBundles:     counts[bundle.StatusCompleted] + counts[bundle.StatusFailed],
		PendingInstructions: e.queue.PendingCount(),
		RecordedResults:     e.history.Len(),
		Wallets:             e.custody.Count(),
		Paused:              e.Paused(),
	}
}

// Scheduler exposes the periodic maintenance tasks.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

func (e *Engine) rebalanceTask(ctx context.Context) error {
	report, err := e.custody.Rebalance(ctx)
	if err != nil {
		return err
	}
	e.log.Info().Int("transfers", len(report.Transfers)).Int("failed", report.Failed()).
		Ints("unknown", report.Unknown).Msg("rebalance finished")
	return nil
}

var errNoBalances = errors.New("no wallet balance could be read")

func (e *Engine) monitorBalances(ctx context.Context) error {
	balances := e.custody.Balances(ctx)
	count := e.custody.Count()
	if count > 0 && len(balances) == 0 {
		return errNoBalances
	}
	limit := e.cfg.Scheduler.MaxMonitored
	for i := 0; i < count && (limit <= 0 || i < limit); i++ {
		if bal, ok := balances[i]; ok {
			metrics.WalletBalance.WithLabelValues(strconv.Itoa(i)).Set(float64(bal))
		}
	}
	return nil
}
