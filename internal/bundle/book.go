package bundle

import (
	"fmt"
	"sync"
	"time"

	"bundler-go/internal/fees"
)

// Book holds every bundle built during the process lifetime.
type Book struct {
	mu      sync.RWMutex
	bundles map[string]*Bundle
	order   []string
	now     func() time.Time
}

// NewBook creates an empty bundle book.
func NewBook() *Book {
	return &Book{bundles: make(map[string]*Bundle), now: time.Now}
}

func (b *Book) add(bundle *Bundle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bundles[bundle.ID] = bundle
	b.order = append(b.order, bundle.ID)
}

// Get returns a copy of the bundle with id.
func (b *Book) Get(id string) (Bundle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bundle, ok := b.bundles[id]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %s", ErrBundleNotFound, id)
	}
	return cloneBundle(bundle), nil
}

// List returns copies of all bundles in creation order.
func (b *Book) List() []Bundle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Bundle, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, cloneBundle(b.bundles[id]))
	}
	return out
}

// CountByStatus tallies bundles per status.
func (b *Book) CountByStatus() map[Status]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Status]int)
	for _, bundle := range b.bundles {
		out[bundle.Status]++
	}
	return out
}

// Begin moves a pending bundle to executing and returns a copy of it.
func (b *Book) Begin(id string) (Bundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle, ok := b.bundles[id]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %s", ErrBundleNotFound, id)
	}
	if bundle.Status != StatusPending {
		return Bundle{}, fmt.Errorf("%w: %s is %s", ErrInvalidBundleState, id, bundle.Status)
	}
	now := b.now().UTC()
	bundle.Status = StatusExecuting
	bundle.StartedAt = now
	bundle.UpdatedAt = now
	return cloneBundle(bundle), nil
}

// Finish moves an executing bundle to completed or failed.
func (b *Book) Finish(id string, success bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle, ok := b.bundles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBundleNotFound, id)
	}
	if bundle.Status != StatusExecuting {
		return fmt.Errorf("%w: %s is %s", ErrInvalidBundleState, id, bundle.Status)
	}
	now := b.now().UTC()
	bundle.Status = StatusFailed
	if success {
		bundle.Status = StatusCompleted
	}
	bundle.CompletedAt = now
	bundle.UpdatedAt = now
	return nil
}

// SetExecutionPriority replaces every transaction's compute price with the one for level.
// Only pending bundles can be re-prioritized.
func (b *Book) SetExecutionPriority(id string, level fees.Level) error {
	if !level.Valid() {
		return fmt.Errorf("unknown priority level %q", level)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle, ok := b.bundles[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBundleNotFound, id)
	}
	if bundle.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidBundleState, id, bundle.Status)
	}
	for i := range bundle.Transactions {
		bundle.Transactions[i].Ops = WithComputePrice(bundle.Transactions[i].Ops, level.MicroLamports())
	}
	bundle.Priority = level
	bundle.UpdatedAt = b.now().UTC()
	return nil
}
