package ledger

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// RPC implements Client against a JSON-RPC endpoint.
type RPC struct {
	rpc          *rpc.Client
	commit       rpc.CommitmentType
	timeout      time.Duration
	pollInterval time.Duration
	log          zerolog.Logger
}

// Option configures RPC construction parameters.
type Option func(*RPC)

// WithConfirmTimeout bounds how long SendAndConfirm waits for the commitment level.
func WithConfirmTimeout(d time.Duration) Option {
	return func(r *RPC) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithPollInterval overrides the signature status polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *RPC) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// ParseCommitment maps a config string to a commitment level, defaulting to confirmed.
func ParseCommitment(commit string) rpc.CommitmentType {
	switch commit {
	case "processed":
		return rpc.CommitmentProcessed
	case "finalized":
		return rpc.CommitmentFinalized
	}
	return rpc.CommitmentConfirmed
}

// NewRPC dials nothing; the underlying client is lazy.
func NewRPC(rpcURL, commit string, log zerolog.Logger, opts ...Option) *RPC {
	r := &RPC{
		rpc:          rpc.New(rpcURL),
		commit:       ParseCommitment(commit),
		timeout:      60 * time.Second,
		pollInterval: 500 * time.Millisecond,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Balance returns the lamport balance of account.
func (r *RPC) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := r.rpc.GetBalance(ctx, account, r.commit)
	if err != nil {
		return 0, fmt.Errorf("%w: get balance %s: %v", ErrNetwork, account, err)
	}
	return out.Value, nil
}

// LatestBlockhash fetches a fresh blockhash at the configured commitment.
func (r *RPC) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := r.rpc.GetLatestBlockhash(ctx, r.commit)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("%w: latest blockhash: %v", ErrNetwork, err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("%w: empty blockhash response", ErrNetwork)
	}
	return out.Value.Blockhash, nil
}

// RecentPrioritizationFees returns per-slot fee samples in micro-lamports.
func (r *RPC) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	samples, err := r.rpc.GetRecentPrioritizationFees(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: prioritization fees: %v", ErrNetwork, err)
	}
	out := make([]uint64, 0, len(samples))
	for _, s := range samples {
		out = append(out, s.PrioritizationFee)
	}
	return out, nil
}

// SendAndConfirm submits tx with preflight and polls its status until the commitment is reached.
func (r *RPC) SendAndConfirm(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := CheckSize(tx); err != nil {
		return solana.Signature{}, err
	}
	sig, err := r.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: r.commit,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("%w: send: %v", ErrNetwork, err)
	}
	r.log.Debug().Str("sig", sig.String()).Msg("transaction submitted")
	if err := r.awaitConfirmation(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (r *RPC) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		out, err := r.rpc.GetSignatureStatuses(ctx, false, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: transaction %s failed: %v", ErrNetwork, sig, status.Err)
			}
			if reached(status.ConfirmationStatus, r.commit) {
				return nil
			}
		} else if err != nil {
			r.log.Debug().Err(err).Str("sig", sig.String()).Msg("signature status poll failed")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: confirmation of %s: %v", ErrNetwork, sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 1,
		rpc.ConfirmationStatusConfirmed: 2,
		rpc.ConfirmationStatusFinalized: 3,
	}
	need := 2
	switch want {
	case rpc.CommitmentProcessed:
		need = 1
	case rpc.CommitmentFinalized:
		need = 3
	}
	return rank[status] >= need
}
