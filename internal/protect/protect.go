// Package protect wraps caller operations with decoy memos, a fee prefix and an optional
// randomized delay before they are bundled.
package protect

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"bundler-go/internal/bundle"
	"bundler-go/internal/fees"
)

const (
	DefaultMinDelay = 500 * time.Millisecond
	DefaultMaxDelay = 2500 * time.Millisecond
)

// Scheduler is the part of the engine the decorator drives.
type Scheduler interface {
	Enqueue(wallet int, ops []bundle.Op, priority int) (string, error)
	CreateBundle(ctx context.Context, opts bundle.Options) (bundle.Bundle, error)
	SetBundlePriority(bundleID string, level fees.Level) error
}

// FeeAdvisor recommends a compute unit price.
type FeeAdvisor interface {
	Recommend(ctx context.Context) uint64
}

type Config struct {
	Obfuscation     bool
	RandomizeTiming bool
	MinDelay        time.Duration
	MaxDelay        time.Duration
}

// Decorator applies protection before handing operations to the scheduler.
type Decorator struct {
	sched  Scheduler
	fees   FeeAdvisor
	cfg    Config
	log    zerolog.Logger
	int64n func(n int64) int64
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(sched Scheduler, advisor FeeAdvisor, cfg Config, log zerolog.Logger) *Decorator {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Decorator{
		sched:  sched,
		fees:   advisor,
		cfg:    cfg,
		log:    log,
		int64n: rand.Int64N,
		sleep:  sleepCtx,
	}
}

// Protect enqueues ops as one instruction, builds a maximum-privacy bundle, applies level and
// optionally waits before returning the bundle id. It never executes the bundle.
// If ctx ends during the wait the bundle id is still returned together with ctx.Err().
func (d *Decorator) Protect(ctx context.Context, wallet int, ops []bundle.Op, priority int, level fees.Level) (string, error) {
	if len(ops) == 0 {
		return "", bundle.ErrEmptyPayload
	}
	price := d.fees.Recommend(ctx)
	wrapped := []bundle.Op{bundle.ComputePrice{MicroLamports: price}}

	if d.cfg.Obfuscation {
		before, err := d.decoys(1 + int(d.int64n(3)))
		if err != nil {
			return "", err
		}
		after, err := d.decoys(1 + int(d.int64n(2)))
		if err != nil {
			return "", err
		}
		wrapped = append(wrapped, before...)
		wrapped = append(wrapped, ops...)
		wrapped = append(wrapped, after...)
	} else {
		wrapped = append(wrapped, ops...)
	}

	if _, err := d.sched.Enqueue(wallet, wrapped, priority); err != nil {
		return "", err
	}
	b, err := d.sched.CreateBundle(ctx, bundle.Options{Privacy: bundle.PrivacyMaximum, GroupByTarget: false})
	if err != nil {
		return "", err
	}
	if err := d.sched.SetBundlePriority(b.ID, level); err != nil {
		return b.ID, err
	}
	d.log.Info().Str("bundle", b.ID).Int("wallet", wallet).Uint64("micro_lamports", price).
		Bool("obfuscated", d.cfg.Obfuscation).Msg("protected bundle created")

	if d.cfg.RandomizeTiming {
		delay := d.delay()
		d.log.Debug().Str("bundle", b.ID).Dur("delay", delay).Msg("holding bundle")
		if err := d.sleep(ctx, delay); err != nil {
			return b.ID, err
		}
	}
	return b.ID, nil
}

func (d *Decorator) decoys(n int) ([]bundle.Op, error) {
	out := make([]bundle.Op, 0, n)
	for i := 0; i < n; i++ {
		inert, err := bundle.RandomInert(8 + int(d.int64n(24)))
		if err != nil {
			return nil, fmt.Errorf("decoy: %w", err)
		}
		out = append(out, inert)
	}
	return out, nil
}

// delay is uniform in [MinDelay, MaxDelay].
func (d *Decorator) delay() time.Duration {
	span := int64(d.cfg.MaxDelay - d.cfg.MinDelay)
	return d.cfg.MinDelay + time.Duration(d.int64n(span+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
