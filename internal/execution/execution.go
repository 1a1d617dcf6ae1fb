// Package execution submits bundle transactions to the network, one wallet at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	solana "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/rs/zerolog"

	"bundler-go/internal/bundle"
	"bundler-go/internal/keystore"
	"bundler-go/internal/ledger"
	"bundler-go/internal/metrics"
)

// ErrPaused is returned while the executor is paused.
var ErrPaused = errors.New("bundle execution paused")

// Custody resolves the signer for a wallet index.
type Custody interface {
	Signer(index int) (*keystore.Signer, error)
}

// Sink receives every execution result.
type Sink interface {
	Record(ctx context.Context, res bundle.ExecutionResult) error
}

// Config tunes transaction assembly.
type Config struct {
	// MaxComputeUnits, when non-zero, prefixes each transaction with a compute unit limit.
	MaxComputeUnits uint32
}

// Executor runs pending bundles sequentially, transaction by transaction.
type Executor struct {
	book    *bundle.Book
	queue   *bundle.Queue
	custody Custody
	net     ledger.Client
	sinks   []Sink
	cfg     Config
	log     zerolog.Logger
	paused  atomic.Bool
	now     func() time.Time
}

// NewExecutor wires an executor. Results are handed to every sink in order.
func NewExecutor(book *bundle.Book, queue *bundle.Queue, custody Custody, net ledger.Client, cfg Config, log zerolog.Logger, sinks ...Sink) *Executor {
	return &Executor{
		book:    book,
		queue:   queue,
		custody: custody,
		net:     net,
		sinks:   sinks,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

func (e *Executor) Pause()       { e.paused.Store(true) }
func (e *Executor) Resume()      { e.paused.Store(false) }
func (e *Executor) Paused() bool { return e.paused.Load() }

// Execute submits every transaction of a pending bundle. Per-transaction failures are
// captured in the result; the bundle succeeds when at least one transaction lands.
func (e *Executor) Execute(ctx context.Context, bundleID string) (bundle.ExecutionResult, error) {
	if e.Paused() {
		return bundle.ExecutionResult{}, ErrPaused
	}
	b, err := e.book.Begin(bundleID)
	if err != nil {
		return bundle.ExecutionResult{}, err
	}
	metrics.BundlesTotal.WithLabelValues(string(bundle.StatusExecuting)).Inc()
	e.log.Info().Str("bundle", b.ID).Int("transactions", len(b.Transactions)).Msg("executing bundle")

	res := bundle.ExecutionResult{BundleID: b.ID, StartedAt: e.now().UTC()}
	for _, tx := range b.Transactions {
		r, attempted := e.submit(ctx, tx)
		res.Results = append(res.Results, r)
		if r.Success {
			res.Success = true
			metrics.TransactionsTotal.WithLabelValues("success").Inc()
		} else {
			metrics.TransactionsTotal.WithLabelValues("failure").Inc()
		}
		if attempted {
			e.queue.MarkOutcome(tx.InstructionIDs, r.Success, r.Error)
		}
	}
	res.EndedAt = e.now().UTC()

	if err := e.book.Finish(b.ID, res.Success); err != nil {
		return res, err
	}
	status := bundle.StatusFailed
	if res.Success {
		status = bundle.StatusCompleted
	}
	metrics.BundlesTotal.WithLabelValues(string(status)).Inc()
	metrics.ExecutionSeconds.Observe(res.EndedAt.Sub(res.StartedAt).Seconds())
	e.log.Info().Str("bundle", b.ID).Bool("success", res.Success).
		Int("failed", len(res.FailedWallets())).Dur("took", res.EndedAt.Sub(res.StartedAt)).Msg("bundle executed")

	for _, sink := range e.sinks {
		if err := sink.Record(ctx, res); err != nil {
			e.log.Error().Err(err).Str("bundle", b.ID).Msg("record execution result")
		}
	}
	return res, nil
}

// submit reports whether the transaction got past signer resolution.
func (e *Executor) submit(ctx context.Context, tx bundle.Transaction) (bundle.TransactionResult, bool) {
	out := bundle.TransactionResult{Wallet: tx.Wallet}
	logFail := func(err error) {
		out.Error = err.Error()
		e.log.Warn().Err(err).Int("wallet", tx.Wallet).Msg("transaction failed")
	}

	signer, err := e.custody.Signer(tx.Wallet)
	if err != nil {
		logFail(err)
		return out, false
	}
	stx, err := e.assemble(ctx, signer, tx.Ops)
	if err != nil {
		logFail(err)
		return out, true
	}
	sig, err := e.net.SendAndConfirm(ctx, stx)
	if err != nil {
		logFail(err)
		return out, true
	}
	out.Signature = sig.String()
	out.Success = true
	e.log.Info().Int("wallet", tx.Wallet).Str("sig", out.Signature).Msg("transaction confirmed")
	return out, true
}

func (e *Executor) assemble(ctx context.Context, signer *keystore.Signer, ops []bundle.Op) (*solana.Transaction, error) {
	blockhash, err := e.net.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}
	instructions := make([]solana.Instruction, 0, len(ops)+1)
	if e.cfg.MaxComputeUnits > 0 {
		instructions = append(instructions, computebudget.NewSetComputeUnitLimitInstruction(e.cfg.MaxComputeUnits).Build())
	}
	instructions = append(instructions, bundle.Instructions(ops)...)

	stx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(signer.PublicKey()))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	if err := signer.Sign(stx); err != nil {
		return nil, err
	}
	if err := ledger.CheckSize(stx); err != nil {
		return nil, err
	}
	return stx, nil
}
