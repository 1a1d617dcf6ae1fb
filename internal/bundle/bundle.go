// Package bundle owns the instruction queue, the bundle book and the builder that turns one into the other.
package bundle

import (
	"errors"
	"time"

	"bundler-go/internal/fees"
)

var (
	ErrInvalidWallet       = errors.New("invalid wallet")
	ErrEmptyPayload        = errors.New("instruction payload is empty")
	ErrEmptyQueue          = errors.New("no pending instructions")
	ErrNoValidTransactions = errors.New("no valid transactions")
	ErrBundleNotFound      = errors.New("bundle not found")
	ErrInvalidBundleState  = errors.New("invalid bundle state")
	ErrInstructionNotFound = errors.New("instruction not found")
)

// InstructionStatus tracks an instruction through bundling and execution.
type InstructionStatus string

const (
	InstructionPending  InstructionStatus = "pending"
	InstructionBundled  InstructionStatus = "bundled"
	InstructionExecuted InstructionStatus = "executed"
	InstructionFailed   InstructionStatus = "failed"
)

// Status tracks a bundle lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// PrivacyLevel controls how much of the submission order an observer can predict.
type PrivacyLevel string

const (
	PrivacyStandard PrivacyLevel = "standard"
	// PrivacyMaximum shuffles wallet transaction order inside the bundle.
	PrivacyMaximum PrivacyLevel = "maximum"
)

// DefaultMaxInstructionsPerTransaction caps chunk size when Options leaves it unset.
const DefaultMaxInstructionsPerTransaction = 10

// Instruction is one queued unit of work for a single wallet.
type Instruction struct {
	ID        string
	Wallet    int
	Ops       []Op
	Priority  int
	Status    InstructionStatus
	BundleID  string
	Error     string
	Seq       uint64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Options are the creation parameters of a bundle.
type Options struct {
	Privacy                       PrivacyLevel
	GroupByTarget                 bool
	MaxInstructionsPerTransaction int
}

// DefaultOptions groups by wallet with standard privacy.
func DefaultOptions() Options {
	return Options{
		Privacy:                       PrivacyStandard,
		GroupByTarget:                 true,
		MaxInstructionsPerTransaction: DefaultMaxInstructionsPerTransaction,
	}
}

// Transaction is the set of operations one wallet signs and submits together.
type Transaction struct {
	Wallet         int
	InstructionIDs []string
	Ops            []Op
}

// Bundle is an immutable-membership snapshot of queued instructions split per wallet.
type Bundle struct {
	ID           string
	Transactions []Transaction
	Options      Options
	Priority     fees.Level
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// InstructionCount returns the number of instructions across all transactions.
func (b Bundle) InstructionCount() int {
	n := 0
	for _, tx := range b.Transactions {
		n += len(tx.InstructionIDs)
	}
	return n
}

// Wallets lists the wallet indices in transaction order.
func (b Bundle) Wallets() []int {
	out := make([]int, 0, len(b.Transactions))
	for _, tx := range b.Transactions {
		out = append(out, tx.Wallet)
	}
	return out
}

// TransactionResult is the outcome of one wallet transaction.
type TransactionResult struct {
	Wallet    int    `json:"wallet"`
	Signature string `json:"signature,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ExecutionResult is the record of one execution attempt.
type ExecutionResult struct {
	BundleID  string              `json:"bundle_id"`
	StartedAt time.Time           `json:"started_at"`
	EndedAt   time.Time           `json:"ended_at"`
	Success   bool                `json:"success"`
	Results   []TransactionResult `json:"results"`
}

// FailedWallets lists wallets whose transaction did not succeed.
func (r ExecutionResult) FailedWallets() []int {
	var out []int
	for _, tx := range r.Results {
		if !tx.Success {
			out = append(out, tx.Wallet)
		}
	}
	return out
}

func cloneOps(ops []Op) []Op {
	return append([]Op(nil), ops...)
}

func cloneBundle(b *Bundle) Bundle {
	out := *b
	out.Transactions = make([]Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		out.Transactions[i] = Transaction{
			Wallet:         tx.Wallet,
			InstructionIDs: append([]string(nil), tx.InstructionIDs...),
			Ops:            cloneOps(tx.Ops),
		}
	}
	return out
}
