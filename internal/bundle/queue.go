package bundle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bundler-go/internal/metrics"
)

// WalletSet answers whether the custody store can sign for a wallet index.
type WalletSet interface {
	Has(index int) bool
}

// Queue stores every instruction ever enqueued, indexed by id.
type Queue struct {
	mu      sync.RWMutex
	wallets WalletSet
	items   map[string]*Instruction
	order   []string
	seq     uint64
	now     func() time.Time
}

// NewQueue builds an empty queue validating wallet indices against wallets.
func NewQueue(wallets WalletSet) *Queue {
	return &Queue{
		wallets: wallets,
		items:   make(map[string]*Instruction),
		now:     time.Now,
	}
}

// Enqueue records a pending instruction for wallet and returns its id.
func (q *Queue) Enqueue(wallet int, ops []Op, priority int) (string, error) {
	if q.wallets == nil || !q.wallets.Has(wallet) {
		return "", fmt.Errorf("%w: %d", ErrInvalidWallet, wallet)
	}
	if len(ops) == 0 {
		return "", ErrEmptyPayload
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	now := q.now().UTC()
	ins := &Instruction{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		Ops:       cloneOps(ops),
		Priority:  priority,
		Status:    InstructionPending,
		Seq:       q.seq,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.items[ins.ID] = ins
	q.order = append(q.order, ins.ID)

	metrics.InstructionsEnqueued.Inc()
	metrics.PendingInstructions.Inc()
	return ins.ID, nil
}

// PendingCount returns how many instructions await bundling.
func (q *Queue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, ins := range q.items {
		if ins.Status == InstructionPending {
			n++
		}
	}
	return n
}

// PendingByWallet counts pending instructions per wallet index.
func (q *Queue) PendingByWallet() map[int]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[int]int)
	for _, ins := range q.items {
		if ins.Status == InstructionPending {
			out[ins.Wallet]++
		}
	}
	return out
}

// Instruction returns a copy of the instruction with id.
func (q *Queue) Instruction(id string) (Instruction, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	ins, ok := q.items[id]
	if !ok {
		return Instruction{}, fmt.Errorf("%w: %s", ErrInstructionNotFound, id)
	}
	out := *ins
	out.Ops = cloneOps(ins.Ops)
	return out, nil
}

// Instructions returns copies of all instructions in enqueue order.
func (q *Queue) Instructions() []Instruction {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Instruction, 0, len(q.order))
	for _, id := range q.order {
		ins := *q.items[id]
		ins.Ops = cloneOps(ins.Ops)
		out = append(out, ins)
	}
	return out
}

// MarkOutcome moves bundled instructions to executed or failed. Instructions in other states are left alone.
func (q *Queue) MarkOutcome(ids []string, success bool, detail string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	for _, id := range ids {
		ins, ok := q.items[id]
		if !ok || ins.Status != InstructionBundled {
			continue
		}
		if success {
			ins.Status = InstructionExecuted
			ins.Error = ""
		} else {
			ins.Status = InstructionFailed
			ins.Error = detail
		}
		ins.UpdatedAt = now
	}
}

// pendingLocked returns pending instructions in enqueue order. Caller holds q.mu.
func (q *Queue) pendingLocked() []*Instruction {
	out := make([]*Instruction, 0)
	for _, id := range q.order {
		if ins := q.items[id]; ins.Status == InstructionPending {
			out = append(out, ins)
		}
	}
	return out
}
