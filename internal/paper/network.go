// Package paper simulates the ledger in memory so the engine can run without touching a live cluster.
package paper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"bundler-go/internal/ledger"
)

const systemTransfer = 2

// Network tracks virtual lamport balances and applies system transfers from submitted transactions.
type Network struct {
	mu          sync.Mutex
	balances    map[solana.PublicKey]uint64
	failPayers  map[solana.PublicKey]error
	failBalance map[solana.PublicKey]error
	fees        []uint64
	feesErr     error
	blockErr    error
	slot        uint64
	submitted   []*solana.Transaction
}

// NewNetwork constructs an empty simulated network.
func NewNetwork() *Network {
	return &Network{
		balances:    make(map[solana.PublicKey]uint64),
		failPayers:  make(map[solana.PublicKey]error),
		failBalance: make(map[solana.PublicKey]error),
	}
}

var _ ledger.Client = (*Network)(nil)

// SetBalance overwrites the balance of account.
func (n *Network) SetBalance(account solana.PublicKey, lamports uint64) {
	n.mu.Lock()
	n.balances[account] = lamports
	n.mu.Unlock()
}

// SetFees sets the samples returned by RecentPrioritizationFees.
func (n *Network) SetFees(samples []uint64, err error) {
	n.mu.Lock()
	n.fees = append([]uint64(nil), samples...)
	n.feesErr = err
	n.mu.Unlock()
}

// FailSubmissionsFrom makes every transaction paid by payer fail with err.
func (n *Network) FailSubmissionsFrom(payer solana.PublicKey, err error) {
	n.mu.Lock()
	n.failPayers[payer] = err
	n.mu.Unlock()
}

// FailBalanceFor makes balance queries for account fail.
func (n *Network) FailBalanceFor(account solana.PublicKey, err error) {
	n.mu.Lock()
	n.failBalance[account] = err
	n.mu.Unlock()
}

// FailBlockhash makes LatestBlockhash fail until cleared with nil.
func (n *Network) FailBlockhash(err error) {
	n.mu.Lock()
	n.blockErr = err
	n.mu.Unlock()
}

// Submitted returns the transactions accepted so far, in order.
func (n *Network) Submitted() []*solana.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*solana.Transaction, len(n.submitted))
	copy(out, n.submitted)
	return out
}

// Balance implements ledger.Client.
func (n *Network) Balance(_ context.Context, account solana.PublicKey) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failBalance[account]; err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrNetwork, err)
	}
	return n.balances[account], nil
}

// LatestBlockhash implements ledger.Client; every call yields a distinct hash.
func (n *Network) LatestBlockhash(_ context.Context) (solana.Hash, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.blockErr != nil {
		return solana.Hash{}, fmt.Errorf("%w: %v", ledger.ErrNetwork, n.blockErr)
	}
	n.slot++
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:8], n.slot)
	return h, nil
}

// RecentPrioritizationFees implements ledger.Client.
func (n *Network) RecentPrioritizationFees(_ context.Context) ([]uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.feesErr != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrNetwork, n.feesErr)
	}
	return append([]uint64(nil), n.fees...), nil
}

// SendAndConfirm verifies signatures, charges the base fee and applies system transfers atomically.
func (n *Network) SendAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ledger.ErrNetwork, err)
	}
	if len(tx.Signatures) == 0 || len(tx.Message.AccountKeys) == 0 {
		return solana.Signature{}, errors.New("unsigned transaction")
	}
	if err := ledger.CheckSize(tx); err != nil {
		return solana.Signature{}, err
	}
	if err := tx.VerifySignatures(); err != nil {
		return solana.Signature{}, fmt.Errorf("verify signatures: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	payer := tx.Message.AccountKeys[0]
	if err := n.failPayers[payer]; err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %v", ledger.ErrNetwork, err)
	}

	pending := make(map[solana.PublicKey]uint64, len(tx.Message.AccountKeys))
	for _, key := range tx.Message.AccountKeys {
		pending[key] = n.balances[key]
	}
	fee := uint64(len(tx.Signatures)) * ledger.LamportsPerSignature
	if pending[payer] < fee {
		return solana.Signature{}, fmt.Errorf("%w: insufficient lamports for fee", ledger.ErrNetwork)
	}
	pending[payer] -= fee

	for _, ix := range tx.Message.Instructions {
		program := tx.Message.AccountKeys[ix.ProgramIDIndex]
		if !program.Equals(solana.SystemProgramID) {
			continue
		}
		lamports, ok := decodeTransfer(ix.Data)
		if !ok || len(ix.Accounts) < 2 {
			continue
		}
		from := tx.Message.AccountKeys[ix.Accounts[0]]
		to := tx.Message.AccountKeys[ix.Accounts[1]]
		if pending[from] < lamports {
			return solana.Signature{}, fmt.Errorf("%w: insufficient lamports in %s", ledger.ErrNetwork, from)
		}
		pending[from] -= lamports
		pending[to] += lamports
	}

	for key, bal := range pending {
		n.balances[key] = bal
	}
	n.submitted = append(n.submitted, tx)
	return tx.Signatures[0], nil
}

func decodeTransfer(data []byte) (uint64, bool) {
	dec := bin.NewBinDecoder(data)
	kind, err := dec.ReadUint32(binary.LittleEndian)
	if err != nil || kind != systemTransfer {
		return 0, false
	}
	lamports, err := dec.ReadUint64(binary.LittleEndian)
	if err != nil {
		return 0, false
	}
	return lamports, true
}
