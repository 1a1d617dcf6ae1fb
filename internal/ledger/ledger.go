// Package ledger is the network boundary: balances, blockhashes, submission and fee samples.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// MaxTransactionSize is the wire packet limit for a single transaction.
const MaxTransactionSize = 1232

// LamportsPerSignature is the base fee charged per transaction signature.
const LamportsPerSignature = 5000

var (
	// ErrNetwork wraps any RPC or confirmation failure.
	ErrNetwork = errors.New("network failure")
	// ErrTransactionTooLarge is returned before submission when the signed transaction exceeds MaxTransactionSize.
	ErrTransactionTooLarge = errors.New("transaction too large")
)

// Client is everything the core needs from the network.
type Client interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// SendAndConfirm submits an already signed transaction and blocks until it reaches the configured commitment.
	SendAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// WireSize returns the serialized length of tx.
func WireSize(tx *solana.Transaction) (int, error) {
	var buf bytes.Buffer
	if err := tx.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return 0, fmt.Errorf("encode tx: %w", err)
	}
	return buf.Len(), nil
}

// CheckSize rejects transactions that would not fit in a single packet.
func CheckSize(tx *solana.Transaction) error {
	size, err := WireSize(tx)
	if err != nil {
		return err
	}
	if size > MaxTransactionSize {
		return fmt.Errorf("%w: %d bytes", ErrTransactionTooLarge, size)
	}
	return nil
}
