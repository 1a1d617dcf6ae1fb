package bundle

import (
	"errors"
	"sync"
	"testing"

	solana "github.com/gagliardetto/solana-go"
)

func TestEnqueueValidatesWallet(t *testing.T) {
	q := NewQueue(walletSet{0: true})
	if _, err := q.Enqueue(3, call(1), 1); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet, got %v", err)
	}
	if _, err := q.Enqueue(-1, call(1), 1); !errors.Is(err, ErrInvalidWallet) {
		t.Fatalf("expected ErrInvalidWallet for negative index, got %v", err)
	}
	if _, err := q.Enqueue(0, nil, 1); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestEnqueueConcurrent(t *testing.T) {
	q := NewQueue(walletSet{0: true, 1: true})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := q.Enqueue(i%2, call(byte(i)), i); err != nil {
				t.Errorf("Enqueue returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if q.PendingCount() != 50 {
		t.Fatalf("expected 50 pending, got %d", q.PendingCount())
	}
	per := q.PendingByWallet()
	if per[0] != 25 || per[1] != 25 {
		t.Fatalf("unexpected per-wallet counts %v", per)
	}
	all := q.Instructions()
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("instructions not in enqueue order")
		}
	}
}

func TestMarkOutcomeOnlyTouchesBundled(t *testing.T) {
	q, _, b := newFixture(walletSet{0: true})
	bundled := mustEnqueue(t, q, 0, call(1), 1)
	if _, err := b.Build(DefaultOptions()); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	pending := mustEnqueue(t, q, 0, call(2), 1)

	q.MarkOutcome([]string{bundled, pending}, false, "boom")

	got, _ := q.Instruction(bundled)
	if got.Status != InstructionFailed || got.Error != "boom" {
		t.Fatalf("expected failed instruction with detail, got %+v", got)
	}
	still, _ := q.Instruction(pending)
	if still.Status != InstructionPending {
		t.Fatalf("pending instruction must not be marked, got %s", still.Status)
	}
	if _, err := q.Instruction("nope"); !errors.Is(err, ErrInstructionNotFound) {
		t.Fatalf("expected ErrInstructionNotFound, got %v", err)
	}
}

func TestInertOpsCarryNoAccounts(t *testing.T) {
	inert, err := RandomInert(16)
	if err != nil {
		t.Fatalf("RandomInert returned error: %v", err)
	}
	if len(inert.Memo()) != 32 {
		t.Fatalf("expected hex encoded memo of 32 chars, got %d", len(inert.Memo()))
	}
	ix := inert.Instruction()
	accounts := ix.Accounts()
	if len(accounts) != 0 {
		t.Fatalf("inert op must not reference accounts, got %d", len(accounts))
	}
	if !ix.ProgramID().Equals(solana.MemoProgramID) {
		t.Fatalf("inert op must target the memo program")
	}
}
