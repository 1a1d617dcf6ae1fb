// Package lock serializes bundle builds within a process or across processes sharing Redis.
package lock

import (
	"context"
	"sync"
)

// Release gives the lock back. It is safe to call more than once.
type Release func()

// Locker hands out an exclusive hold until the returned Release is called.
type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Local is an in-process mutex that honours context cancellation while waiting.
type Local struct {
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) Acquire(ctx context.Context) (Release, error) {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-l.ch }) }, nil
}
