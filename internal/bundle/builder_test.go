package bundle

import (
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"

	"bundler-go/internal/fees"
	"bundler-go/internal/risk"
)

type walletSet map[int]bool

func (w walletSet) Has(i int) bool { return w[i] }

func call(tag byte) []Op {
	return []Op{Call{Program: solana.SystemProgramID, Data: []byte{tag}}}
}

func newFixture(wallets walletSet) (*Queue, *Book, *Builder) {
	q := NewQueue(wallets)
	book := NewBook()
	b := NewBuilder(q, book, wallets, BuilderConfig{
		HighPriorityThreshold: 5,
		BaselineMicroLamports: 50_000,
		Limits:                risk.Limits{MaxWalletsPerBundle: 20},
	}, zerolog.Nop())
	return q, book, b
}

func mustEnqueue(t *testing.T, q *Queue, wallet int, ops []Op, priority int) string {
	t.Helper()
	id, err := q.Enqueue(wallet, ops, priority)
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	return id
}

func TestBuildOrdersByPriorityDescending(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true})
	id1 := mustEnqueue(t, q, 0, call(1), 1)
	id5 := mustEnqueue(t, q, 0, call(5), 5)
	id3 := mustEnqueue(t, q, 0, call(3), 3)

	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(bundle.Transactions) != 1 {
		t.Fatalf("expected a single transaction, got %d", len(bundle.Transactions))
	}
	got := bundle.Transactions[0].InstructionIDs
	want := []string{id5, id3, id1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected order at %d: got %v want %v", i, got, want)
		}
	}
	if _, found := MaxComputePrice(bundle.Transactions[0].Ops); found {
		t.Fatalf("no instruction is above the threshold, expected no fee prefix")
	}
}

func TestBuildStableForEqualPriority(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true})
	first := mustEnqueue(t, q, 0, call(1), 2)
	second := mustEnqueue(t, q, 0, call(2), 2)

	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	ids := bundle.Transactions[0].InstructionIDs
	if ids[0] != first || ids[1] != second {
		t.Fatalf("ties must keep enqueue order, got %v", ids)
	}
}

func TestBuildEmptyQueue(t *testing.T) {
	_, _, b := newFixture(walletSet{0: true})
	if _, err := b.Build(DefaultOptions()); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("expected ErrEmptyQueue, got %v", err)
	}
}

func TestBuildChunksAndPrefixesUrgentChunks(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true, 1: true})
	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, 0, call(byte(i)), 1)
	}
	mustEnqueue(t, q, 1, call(9), 9)

	opts := DefaultOptions()
	opts.MaxInstructionsPerTransaction = 2
	bundle, err := b.Build(opts)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	// wallet 0: 2+2+1, wallet 1: 1
	if len(bundle.Transactions) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(bundle.Transactions))
	}
	if w := bundle.Wallets(); w[0] != 0 || w[1] != 0 || w[2] != 0 || w[3] != 1 {
		t.Fatalf("unexpected wallet order %v", w)
	}
	last := bundle.Transactions[3]
	first, ok := last.Ops[0].(ComputePrice)
	if !ok || first.MicroLamports != 50_000 {
		t.Fatalf("expected baseline compute price prefix, got %#v", last.Ops[0])
	}
	if _, found := MaxComputePrice(bundle.Transactions[0].Ops); found {
		t.Fatalf("low priority chunk should not carry a fee prefix")
	}
	if bundle.InstructionCount() != 6 {
		t.Fatalf("expected 6 instructions, got %d", bundle.InstructionCount())
	}
}

func TestBuildMergesExistingComputePrices(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true})
	mustEnqueue(t, q, 0, append([]Op{ComputePrice{MicroLamports: 70_000}}, call(1)...), 9)
	mustEnqueue(t, q, 0, append([]Op{ComputePrice{MicroLamports: 20_000}}, call(2)...), 1)

	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	ops := bundle.Transactions[0].Ops
	prices := 0
	for _, op := range ops {
		if _, ok := op.(ComputePrice); ok {
			prices++
		}
	}
	if prices != 1 {
		t.Fatalf("expected exactly one compute price, got %d", prices)
	}
	if p := ops[0].(ComputePrice); p.MicroLamports != 70_000 {
		t.Fatalf("expected highest price kept, got %d", p.MicroLamports)
	}
}

func TestBuildMarksInstructionsAndNeverRebundles(t *testing.T) {
	q, book, b := newFixture(walletSet{0: true})
	id := mustEnqueue(t, q, 0, call(1), 1)

	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	ins, err := q.Instruction(id)
	if err != nil {
		t.Fatalf("Instruction returned error: %v", err)
	}
	if ins.Status != InstructionBundled || ins.BundleID != bundle.ID {
		t.Fatalf("expected instruction bundled into %s, got %+v", bundle.ID, ins)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("expected empty pending set")
	}
	if _, err := b.Build(DefaultOptions()); !errors.Is(err, ErrEmptyQueue) {
		t.Fatalf("second build must not reuse bundled instructions, got %v", err)
	}
	stored, err := book.Get(bundle.ID)
	if err != nil || stored.Status != StatusPending {
		t.Fatalf("expected pending bundle in book, got %+v err=%v", stored, err)
	}
}

func TestBuildSkipsWalletsMissingFromCustody(t *testing.T) {
	custody := walletSet{0: true, 1: true}
	q, _, b := newFixture(custody)
	id := mustEnqueue(t, q, 1, call(1), 1)
	delete(custody, 1)

	if _, err := b.Build(DefaultOptions()); !errors.Is(err, ErrNoValidTransactions) {
		t.Fatalf("expected ErrNoValidTransactions, got %v", err)
	}
	ins, _ := q.Instruction(id)
	if ins.Status != InstructionPending {
		t.Fatalf("instruction for missing wallet must stay pending, got %s", ins.Status)
	}
}

func TestBuildRespectsWalletLimit(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true, 1: true, 2: true})
	b.cfg.Limits = risk.Limits{MaxWalletsPerBundle: 2}
	mustEnqueue(t, q, 2, call(1), 1)
	mustEnqueue(t, q, 0, call(2), 1)
	deferred := mustEnqueue(t, q, 1, call(3), 1)

	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if w := bundle.Wallets(); len(w) != 2 || w[0] != 0 || w[1] != 1 {
		t.Fatalf("expected wallets [0 1], got %v", w)
	}
	_ = deferred
	if q.PendingCount() != 1 {
		t.Fatalf("expected one deferred instruction, got %d", q.PendingCount())
	}
}

func TestBuildUngroupedKeepsFirstSeenOrderAndShufflesForPrivacy(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true, 1: true, 2: true})
	mustEnqueue(t, q, 2, call(1), 1)
	mustEnqueue(t, q, 0, call(2), 1)
	mustEnqueue(t, q, 1, call(3), 1)

	reversed := false
	b.shuffle = func(n int, swap func(i, j int)) {
		reversed = true
		for i, j := 0, n-1; i < j; i, j = i+1, j-1 {
			swap(i, j)
		}
	}
	bundle, err := b.Build(Options{Privacy: PrivacyMaximum, GroupByTarget: false})
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !reversed {
		t.Fatalf("expected shuffle for maximum privacy")
	}
	if w := bundle.Wallets(); w[0] != 1 || w[1] != 0 || w[2] != 2 {
		t.Fatalf("expected reversed first-seen order [1 0 2], got %v", w)
	}
	if bundle.Options.MaxInstructionsPerTransaction != DefaultMaxInstructionsPerTransaction {
		t.Fatalf("expected default chunk size recorded")
	}
}

func TestSetExecutionPriority(t *testing.T) {
	q, book, b := newFixture(walletSet{0: true})
	mustEnqueue(t, q, 0, append([]Op{ComputePrice{MicroLamports: 1}}, call(1)...), 9)
	bundle, err := b.Build(DefaultOptions())
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	if err := book.SetExecutionPriority(bundle.ID, fees.Maximum); err != nil {
		t.Fatalf("SetExecutionPriority returned error: %v", err)
	}
	got, _ := book.Get(bundle.ID)
	ops := got.Transactions[0].Ops
	if p, ok := ops[0].(ComputePrice); !ok || p.MicroLamports != fees.Maximum.MicroLamports() {
		t.Fatalf("expected maximum price prefix, got %#v", ops[0])
	}
	if len(StripComputePrice(ops)) != len(ops)-1 {
		t.Fatalf("expected a single compute price after re-prioritising")
	}
	if got.Priority != fees.Maximum {
		t.Fatalf("expected priority recorded, got %s", got.Priority)
	}
}

func TestSetExecutionPriorityRejectsNonPending(t *testing.T) {
	q, book, b := newFixture(walletSet{0: true})
	mustEnqueue(t, q, 0, call(1), 1)
	bundle, _ := b.Build(DefaultOptions())
	if _, err := book.Begin(bundle.ID); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if err := book.Finish(bundle.ID, true); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if err := book.SetExecutionPriority(bundle.ID, fees.High); !errors.Is(err, ErrInvalidBundleState) {
		t.Fatalf("expected ErrInvalidBundleState, got %v", err)
	}
	if err := book.SetExecutionPriority("missing", fees.High); !errors.Is(err, ErrBundleNotFound) {
		t.Fatalf("expected ErrBundleNotFound, got %v", err)
	}
}

func TestBookLifecycle(t *testing.T) {
	q, book, b := newFixture(walletSet{0: true})
	mustEnqueue(t, q, 0, call(1), 1)
	bundle, _ := b.Build(DefaultOptions())

	if err := book.Finish(bundle.ID, true); !errors.Is(err, ErrInvalidBundleState) {
		t.Fatalf("finishing a pending bundle must fail, got %v", err)
	}
	if _, err := book.Begin(bundle.ID); err != nil {
		t.Fatalf("Begin returned error: %v", err)
	}
	if _, err := book.Begin(bundle.ID); !errors.Is(err, ErrInvalidBundleState) {
		t.Fatalf("double begin must fail, got %v", err)
	}
	if err := book.Finish(bundle.ID, false); err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	got, _ := book.Get(bundle.ID)
	if got.Status != StatusFailed || got.CompletedAt.IsZero() {
		t.Fatalf("expected failed bundle with completion time, got %+v", got)
	}
	if counts := book.CountByStatus(); counts[StatusFailed] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestOptimalWallet(t *testing.T) {
	pending := map[int]int{1: 1}
	balances := map[int]uint64{0: 20_000_000, 1: 500_000_000}
	if got := OptimalWallet(pending, balances, 2); got != 0 {
		t.Fatalf("expected wallet 0 (fewer pending), got %d", got)
	}

	if got := OptimalWallet(map[int]int{}, map[int]uint64{0: 1, 1: 5, 2: 5}, 3); got != 1 {
		t.Fatalf("expected richest lowest-index wallet 1, got %d", got)
	}
	if got := OptimalWallet(nil, nil, 0); got != 0 {
		t.Fatalf("expected 0 for empty pool, got %d", got)
	}
}

func TestOptimalAmongSkipsMissingIndices(t *testing.T) {
	balances := map[int]uint64{0: 900, 1: 10, 2: 10}
	if got := OptimalAmong([]int{2, 1}, nil, balances); got != 1 {
		t.Fatalf("expected lowest index among candidates, got %d", got)
	}
	if got := OptimalAmong(nil, nil, balances); got != 0 {
		t.Fatalf("expected 0 without candidates, got %d", got)
	}
}
