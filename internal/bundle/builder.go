package bundle

import (
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bundler-go/internal/fees"
	"bundler-go/internal/metrics"
	"bundler-go/internal/risk"
)

// BuilderConfig tunes the fee prefix applied to urgent chunks and bundle fan-out.
type BuilderConfig struct {
	HighPriorityThreshold int
	BaselineMicroLamports uint64
	Limits                risk.Limits
}

// Builder snapshots pending instructions into bundles.
type Builder struct {
	queue   *Queue
	book    *Book
	wallets WalletSet
	cfg     BuilderConfig
	log     zerolog.Logger
	shuffle func(n int, swap func(i, j int))
}

// NewBuilder wires a builder over queue and book.
func NewBuilder(queue *Queue, book *Book, wallets WalletSet, cfg BuilderConfig, log zerolog.Logger) *Builder {
	return &Builder{
		queue:   queue,
		book:    book,
		wallets: wallets,
		cfg:     cfg,
		log:     log,
		shuffle: rand.Shuffle,
	}
}

// Build groups every pending instruction by wallet into a new pending bundle.
// The queue stays locked for the whole build, so instructions enqueued meanwhile wait for the next one.
func (b *Builder) Build(opts Options) (Bundle, error) {
	if opts.MaxInstructionsPerTransaction <= 0 {
		opts.MaxInstructionsPerTransaction = DefaultMaxInstructionsPerTransaction
	}
	if opts.Privacy == "" {
		opts.Privacy = PrivacyStandard
	}

	q := b.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.pendingLocked()
	if len(pending) == 0 {
		return Bundle{}, ErrEmptyQueue
	}

	groups := make(map[int][]*Instruction)
	var walletOrder []int
	for _, ins := range pending {
		if _, seen := groups[ins.Wallet]; !seen {
			walletOrder = append(walletOrder, ins.Wallet)
		}
		groups[ins.Wallet] = append(groups[ins.Wallet], ins)
	}
	if opts.GroupByTarget {
		sort.Ints(walletOrder)
	}

	selected := make([]int, 0, len(walletOrder))
	for _, wallet := range walletOrder {
		if b.wallets == nil || !b.wallets.Has(wallet) {
			b.log.Warn().Int("wallet", wallet).Int("instructions", len(groups[wallet])).Msg("wallet missing from custody, leaving instructions pending")
			continue
		}
		if !b.cfg.Limits.Allow(len(selected) + 1) {
			b.log.Info().Int("wallet", wallet).Int("max_wallets", b.cfg.Limits.MaxWalletsPerBundle).Msg("wallet limit reached, deferring to next bundle")
			continue
		}
		selected = append(selected, wallet)
	}
	if opts.Privacy == PrivacyMaximum && b.shuffle != nil {
		b.shuffle(len(selected), func(i, j int) { selected[i], selected[j] = selected[j], selected[i] })
	}

	var (
		txs      []Transaction
		included []*Instruction
	)
	for _, wallet := range selected {
		group := groups[wallet]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		for _, chunk := range chunkInstructions(group, opts.MaxInstructionsPerTransaction) {
			txs = append(txs, b.transaction(wallet, chunk))
			included = append(included, chunk...)
		}
	}
	if len(txs) == 0 {
		return Bundle{}, ErrNoValidTransactions
	}

	now := q.now().UTC()
	bundle := &Bundle{
		ID:           uuid.New().String(),
		Transactions: txs,
		Options:      opts,
		Priority:     fees.Normal,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, ins := range included {
		ins.Status = InstructionBundled
		ins.BundleID = bundle.ID
		ins.UpdatedAt = now
	}
	b.book.add(bundle)

	metrics.PendingInstructions.Sub(float64(len(included)))
	metrics.BundlesTotal.WithLabelValues(string(StatusPending)).Inc()
	b.log.Info().Str("bundle", bundle.ID).Int("transactions", len(txs)).Int("instructions", len(included)).
		Str("privacy", string(opts.Privacy)).Msg("bundle built")
	return cloneBundle(bundle), nil
}

func (b *Builder) transaction(wallet int, chunk []*Instruction) Transaction {
	tx := Transaction{Wallet: wallet, InstructionIDs: make([]string, 0, len(chunk))}
	urgent := false
	for _, ins := range chunk {
		tx.InstructionIDs = append(tx.InstructionIDs, ins.ID)
		tx.Ops = append(tx.Ops, ins.Ops...)
		if ins.Priority > b.cfg.HighPriorityThreshold {
			urgent = true
		}
	}
	price, found := MaxComputePrice(tx.Ops)
	if urgent && b.cfg.BaselineMicroLamports > price {
		price, found = b.cfg.BaselineMicroLamports, true
	}
	if found {
		tx.Ops = WithComputePrice(tx.Ops, price)
	}
	return tx
}

func chunkInstructions(items []*Instruction, size int) [][]*Instruction {
	if size <= 0 {
		return [][]*Instruction{items}
	}
	var chunks [][]*Instruction
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// OptimalWallet picks the wallet with the fewest pending instructions, preferring higher balances on ties.
// It returns 0 for an empty pool.
func OptimalWallet(pending map[int]int, balances map[int]uint64, count int) int {
	candidates := make([]int, 0, max(count, 0))
	for i := 0; i < count; i++ {
		candidates = append(candidates, i)
	}
	return OptimalAmong(candidates, pending, balances)
}

// OptimalAmong ranks only the given wallet indices; ties fall back to the lower index. It returns 0 when
// candidates is empty.
func OptimalAmong(candidates []int, pending map[int]int, balances map[int]uint64) int {
	if len(candidates) == 0 {
		return 0
	}
	ranked := append([]int(nil), candidates...)
	sort.Ints(ranked)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if pending[a] != pending[b] {
			return pending[a] < pending[b]
		}
		return balances[a] > balances[b]
	})
	return ranked[0]
}
