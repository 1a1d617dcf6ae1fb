// Package keystore keeps the wallet pool and the master wallet encrypted at rest
// and hands out per-wallet signers.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bundler-go/internal/ledger"
	"bundler-go/internal/metrics"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrPersistence       = errors.New("keystore persistence failed")
	ErrInsufficientFunds = errors.New("insufficient master funds")
	ErrInvalidThresholds = errors.New("invalid wallet thresholds")
)

const (
	masterIndex         = -1
	balanceFanOut       = 8
	DefaultSeedLamports = 50_000_000
)

// Options configures a Store.
type Options struct {
	Path string
	// Secret derives the encryption key. Required.
	Secret string
	// MasterKey is an optional base58 master private key used when the file has none.
	MasterKey            string
	SeedLamports         uint64
	SafetyMarginLamports uint64
	Thresholds           Thresholds
}

// WalletInfo is the public view of a pool wallet.
type WalletInfo struct {
	Index      int              `json:"index"`
	Label      string           `json:"label"`
	PublicKey  solana.PublicKey `json:"public_key"`
	Thresholds Thresholds       `json:"thresholds"`
	// Loaded is false when the stored key failed to decrypt.
	Loaded bool `json:"loaded"`
}

// Store owns the wallet records and their in-memory signers.
type Store struct {
	mu      sync.RWMutex
	opts    Options
	cipher  *Cipher
	net     ledger.Client
	log     zerolog.Logger
	data    fileData
	master  *Signer
	signers map[int]*Signer
	save    func(path string, data fileData) error
	// dirty is set while in-memory records differ from the file.
	dirty bool
	// unseeded holds wallets created while the file could not be saved. They are
	// seeded once a save succeeds.
	unseeded map[int]bool
}

// Open loads the keystore file at opts.Path, resolving or creating the master wallet.
func Open(opts Options, net ledger.Client, log zerolog.Logger) (*Store, error) {
	if opts.SeedLamports == 0 {
		opts.SeedLamports = DefaultSeedLamports
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	c, err := NewCipher(opts.Secret)
	if err != nil {
		return nil, err
	}
	data, err := readFile(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersistence, opts.Path, err)
	}
	s := &Store{
		opts:     opts,
		cipher:   c,
		net:      net,
		log:      log,
		data:     data,
		signers:  make(map[int]*Signer),
		save:     writeFile,
		unseeded: make(map[int]bool),
	}
	if err := s.loadMaster(); err != nil {
		return nil, err
	}
	for _, rec := range s.data.Wallets {
		key, err := s.decryptKey(rec)
		if err != nil {
			s.log.Error().Err(err).Int("wallet", rec.Index).Msg("wallet key not loaded")
			continue
		}
		s.signers[rec.Index] = NewSigner(rec.Index, key)
	}
	s.log.Info().Int("wallets", len(s.data.Wallets)).Int("loaded", len(s.signers)).
		Str("master", s.master.PublicKey().String()).Msg("keystore opened")
	return s, nil
}

func (s *Store) loadMaster() error {
	if rec := s.data.Master; rec != nil {
		key, err := s.decryptKey(*rec)
		if err != nil {
			return fmt.Errorf("master wallet: %w", err)
		}
		s.master = NewSigner(masterIndex, key)
		return nil
	}

	var key solana.PrivateKey
	if s.opts.MasterKey != "" {
		parsed, err := solana.PrivateKeyFromBase58(s.opts.MasterKey)
		if err != nil {
			return fmt.Errorf("master wallet: parse key: %w", err)
		}
		key = parsed
	} else {
		key = solana.NewWallet().PrivateKey
		s.log.Warn().Str("master", key.PublicKey().String()).Msg("no master key configured, generated a new one")
	}
	rec, err := s.newRecord(masterIndex, "master", key)
	if err != nil {
		return err
	}
	s.data.Master = &rec
	s.master = NewSigner(masterIndex, key)
	return s.persist()
}

func (s *Store) newRecord(index int, label string, key solana.PrivateKey) (Record, error) {
	enc, err := s.cipher.Encrypt(key)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt wallet %d: %w", index, err)
	}
	return Record{
		Index:        index,
		Label:        label,
		PublicKey:    key.PublicKey().String(),
		EncryptedKey: enc,
		Thresholds:   s.opts.Thresholds,
	}, nil
}

func (s *Store) decryptKey(rec Record) (solana.PrivateKey, error) {
	raw, err := s.cipher.Decrypt(rec.EncryptedKey)
	if err != nil {
		return nil, err
	}
	key := solana.PrivateKey(raw)
	if len(key) != 64 || key.PublicKey().String() != rec.PublicKey {
		return nil, fmt.Errorf("%w: key does not match public key %s", ErrDecrypt, rec.PublicKey)
	}
	return key, nil
}

func (s *Store) persist() error {
	if err := s.save(s.opts.Path, s.data); err != nil {
		s.dirty = true
		s.log.Error().Err(err).Str("path", s.opts.Path).Msg("keystore save failed")
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.dirty = false
	return nil
}

// flush saves records left unsaved by an earlier failure.
func (s *Store) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.persist()
}

// takeUnseeded hands over wallets awaiting their initial funding once the file is durable.
func (s *Store) takeUnseeded() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty || len(s.unseeded) == 0 {
		return nil
	}
	out := make([]int, 0, len(s.unseeded))
	for index := range s.unseeded {
		out = append(out, index)
	}
	sort.Ints(out)
	clear(s.unseeded)
	return out
}

func (s *Store) seed(ctx context.Context, index int, to solana.PublicKey) {
	sig, err := s.transfer(ctx, s.master, to, s.opts.SeedLamports)
	if err != nil {
		s.log.Warn().Err(err).Int("wallet", index).Msg("initial funding failed")
		return
	}
	s.log.Info().Int("wallet", index).Uint64("lamports", s.opts.SeedLamports).Str("sig", sig.String()).Msg("wallet funded")
}

// Initialize creates and funds wallets until count exist. Each new wallet is saved before it is funded.
// Records left unsaved by a failed call are saved and funded first. Funding failures are logged and
// left for Rebalance.
func (s *Store) Initialize(ctx context.Context, count int) error {
	if err := s.flush(); err != nil {
		return fmt.Errorf("save pending wallets: %w", err)
	}
	for _, index := range s.takeUnseeded() {
		info, err := s.Wallet(index)
		if err != nil {
			return err
		}
		s.seed(ctx, index, info.PublicKey)
	}
	for {
		s.mu.Lock()
		index := len(s.data.Wallets)
		if index >= count {
			s.mu.Unlock()
			return nil
		}
		key := solana.NewWallet().PrivateKey
		rec, err := s.newRecord(index, fmt.Sprintf("wallet-%d", index), key)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.data.Wallets = append(s.data.Wallets, rec)
		s.signers[index] = NewSigner(index, key)
		if err := s.persist(); err != nil {
			s.unseeded[index] = true
			s.mu.Unlock()
			return fmt.Errorf("create wallet %d: %w", index, err)
		}
		s.mu.Unlock()
		s.log.Info().Int("wallet", index).Str("pubkey", rec.PublicKey).Msg("wallet created")
		s.seed(ctx, index, key.PublicKey())
	}
}

// Signer returns the signing handle for wallet index.
func (s *Store) Signer(index int) (*Signer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signer, ok := s.signers[index]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrWalletNotFound, index)
	}
	return signer, nil
}

// Has reports whether a signer is loaded for index.
func (s *Store) Has(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.signers[index]
	return ok
}

// Count is the number of wallet records, loaded or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Wallets)
}

func (s *Store) Master() solana.PublicKey { return s.master.PublicKey() }

// Wallet returns public information for index.
func (s *Store) Wallet(index int) (WalletInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.data.Wallets) {
		return WalletInfo{}, fmt.Errorf("%w: %d", ErrWalletNotFound, index)
	}
	return s.infoLocked(s.data.Wallets[index]), nil
}

// Wallets returns public information for every record in index order.
func (s *Store) Wallets() []WalletInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WalletInfo, 0, len(s.data.Wallets))
	for _, rec := range s.data.Wallets {
		out = append(out, s.infoLocked(rec))
	}
	return out
}

func (s *Store) infoLocked(rec Record) WalletInfo {
	_, loaded := s.signers[rec.Index]
	pub, _ := solana.PublicKeyFromBase58(rec.PublicKey)
	return WalletInfo{Index: rec.Index, Label: rec.Label, PublicKey: pub, Thresholds: rec.Thresholds, Loaded: loaded}
}

// Balances queries every wallet in parallel. Failed queries are logged and omitted.
func (s *Store) Balances(ctx context.Context) map[int]uint64 {
	wallets := s.Wallets()
	out := make(map[int]uint64, len(wallets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceFanOut)
	for _, w := range wallets {
		w := w
		g.Go(func() error {
			bal, err := s.net.Balance(gctx, w.PublicKey)
			if err != nil {
				s.log.Warn().Err(err).Int("wallet", w.Index).Msg("balance query failed")
				return nil
			}
			mu.Lock()
			out[w.Index] = bal
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// MasterBalance returns the master wallet's lamports.
func (s *Store) MasterBalance(ctx context.Context) (uint64, error) {
	return s.net.Balance(ctx, s.master.PublicKey())
}

const (
	DirectionFund  = "fund"
	DirectionDrain = "drain"
)

// Transfer is one rebalance action. Err is set when the transfer was skipped or failed.
type Transfer struct {
	Wallet    int    `json:"wallet"`
	Direction string `json:"direction"`
	Lamports  uint64 `json:"lamports"`
	Signature string `json:"signature,omitempty"`
	Err       error  `json:"-"`
}

// Report summarises a Rebalance run.
type Report struct {
	Transfers []Transfer `json:"transfers"`
	// Unknown lists wallets whose balance could not be read.
	Unknown []int `json:"unknown,omitempty"`
}

// Failed counts transfers that did not complete.
func (r Report) Failed() int {
	n := 0
	for _, t := range r.Transfers {
		if t.Err != nil {
			n++
		}
	}
	return n
}

// Rebalance tops up wallets below their minimum and returns excess above the maximum to master.
// A failure on one wallet never stops the others.
func (s *Store) Rebalance(ctx context.Context) (Report, error) {
	var report Report
	masterBal, err := s.MasterBalance(ctx)
	if err != nil {
		return report, fmt.Errorf("master balance: %w", err)
	}
	balances := s.Balances(ctx)
	held := s.holdUnsaved()

	for _, w := range s.Wallets() {
		bal, ok := balances[w.Index]
		if !ok {
			report.Unknown = append(report.Unknown, w.Index)
			continue
		}
		th := w.Thresholds
		switch {
		case bal < th.Min && bal < th.Target:
			t := Transfer{Wallet: w.Index, Direction: DirectionFund, Lamports: th.Target - bal}
			if held[w.Index] {
				t.Err = ErrPersistence
				report.Transfers = append(report.Transfers, s.logTransfer(t))
				continue
			}
			if t.Lamports > masterBal || masterBal-t.Lamports < s.opts.SafetyMarginLamports {
				t.Err = ErrInsufficientFunds
				s.log.Warn().Int("wallet", w.Index).Uint64("need", t.Lamports).Uint64("master", masterBal).Msg("skipping top-up, master too low")
				report.Transfers = append(report.Transfers, s.logTransfer(t))
				continue
			}
			sig, err := s.transfer(ctx, s.master, w.PublicKey, t.Lamports)
			if err != nil {
				t.Err = err
			} else {
				t.Signature = sig.String()
				spent := t.Lamports + ledger.LamportsPerSignature
				if spent > masterBal {
					spent = masterBal
				}
				masterBal -= spent
			}
			report.Transfers = append(report.Transfers, s.logTransfer(t))
		case th.Max > 0 && bal > th.Max && bal > th.Target:
			t := Transfer{Wallet: w.Index, Direction: DirectionDrain, Lamports: bal - th.Target}
			signer, err := s.Signer(w.Index)
			if err != nil {
				t.Err = err
				report.Transfers = append(report.Transfers, s.logTransfer(t))
				continue
			}
			sig, err := s.transfer(ctx, signer, s.master.PublicKey(), t.Lamports)
			if err != nil {
				t.Err = err
			} else {
				t.Signature = sig.String()
				masterBal += t.Lamports
			}
			report.Transfers = append(report.Transfers, s.logTransfer(t))
		}
	}
	sort.SliceStable(report.Transfers, func(i, j int) bool { return report.Transfers[i].Wallet < report.Transfers[j].Wallet })
	return report, nil
}

// holdUnsaved retries a pending save. Wallets still unsaved afterwards must not receive funds; once
// saved, their initial funding falls to Rebalance.
func (s *Store) holdUnsaved() map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirty {
		_ = s.persist()
	}
	if !s.dirty {
		clear(s.unseeded)
		return nil
	}
	held := make(map[int]bool, len(s.unseeded))
	for index := range s.unseeded {
		held[index] = true
	}
	return held
}

func (s *Store) logTransfer(t Transfer) Transfer {
	ev, outcome := s.log.Info(), "ok"
	switch {
	case errors.Is(t.Err, ErrInsufficientFunds):
		ev, outcome = s.log.Warn().Err(t.Err), "skipped"
	case t.Err != nil:
		ev, outcome = s.log.Warn().Err(t.Err), "error"
	}
	metrics.RebalanceTransfers.WithLabelValues(t.Direction, outcome).Inc()
	ev.Int("wallet", t.Wallet).Str("direction", t.Direction).Uint64("lamports", t.Lamports).
		Str("sig", t.Signature).Msg("rebalance transfer")
	return t
}

func (s *Store) transfer(ctx context.Context, from *Signer, to solana.PublicKey, lamports uint64) (solana.Signature, error) {
	blockhash, err := s.net.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, err
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, from.PublicKey(), to).Build()},
		blockhash,
		solana.TransactionPayer(from.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transfer: %w", err)
	}
	if err := from.Sign(tx); err != nil {
		return solana.Signature{}, err
	}
	return s.net.SendAndConfirm(ctx, tx)
}
