// Package history keeps bundle execution results in memory and appends them to audit sinks.
package history

import (
	"context"
	"sync"

	"bundler-go/internal/bundle"
)

// Memory keeps the latest execution result per bundle id.
type Memory struct {
	mu      sync.RWMutex
	results map[string]bundle.ExecutionResult
	order   []string
}

// NewMemory creates an empty result store.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]bundle.ExecutionResult)}
}

// Record stores res, replacing any earlier result for the same bundle.
func (m *Memory) Record(_ context.Context, res bundle.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.results[res.BundleID]; !seen {
		m.order = append(m.order, res.BundleID)
	}
	res.Results = append([]bundle.TransactionResult(nil), res.Results...)
	m.results[res.BundleID] = res
	return nil
}

// Result returns the latest result for bundleID.
func (m *Memory) Result(bundleID string) (bundle.ExecutionResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[bundleID]
	if ok {
		res.Results = append([]bundle.TransactionResult(nil), res.Results...)
	}
	return res, ok
}

// Snapshot returns every stored result in first-recorded order.
func (m *Memory) Snapshot() []bundle.ExecutionResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bundle.ExecutionResult, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.results[id])
	}
	return out
}

// Len is the number of bundles with a recorded result.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}
