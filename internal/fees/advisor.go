// Package fees recommends compute unit prices and maps priority levels to them.
package fees

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"bundler-go/internal/ledger"
	"bundler-go/internal/metrics"
)

const (
	DefaultBaselineMicroLamports = 10_000
	DefaultFallbackMicroLamports = 50_000
)

// Advisor turns recent prioritization fee samples into a recommended price.
type Advisor struct {
	net        ledger.Client
	baseline   uint64
	fallback   uint64
	multiplier float64
	log        zerolog.Logger
}

// NewAdvisor builds an advisor. Zero values fall back to the defaults.
func NewAdvisor(net ledger.Client, baseline, fallback uint64, multiplier float64, log zerolog.Logger) *Advisor {
	if baseline == 0 {
		baseline = DefaultBaselineMicroLamports
	}
	if fallback == 0 {
		fallback = DefaultFallbackMicroLamports
	}
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return &Advisor{net: net, baseline: baseline, fallback: fallback, multiplier: multiplier, log: log}
}

// Recommend returns a compute unit price in micro-lamports. It never fails.
func (a *Advisor) Recommend(ctx context.Context) uint64 {
	samples, err := a.net.RecentPrioritizationFees(ctx)
	if err != nil {
		a.log.Warn().Err(err).Uint64("fallback", a.fallback).Msg("fee samples unavailable")
		metrics.PriorityFee.Set(float64(a.fallback))
		return a.fallback
	}
	price := a.scale(a.pick(samples))
	metrics.PriorityFee.Set(float64(price))
	a.log.Debug().Int("samples", len(samples)).Uint64("micro_lamports", price).Msg("priority fee recommended")
	return price
}

func (a *Advisor) pick(samples []uint64) uint64 {
	if len(samples) == 0 {
		return a.baseline
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if v := percentile(sorted, 0.8); v > 0 {
		return v
	}
	if v := percentile(sorted, 0.5); v > 0 {
		return v
	}
	return a.baseline
}

func (a *Advisor) scale(v uint64) uint64 {
	return uint64(math.Round(float64(v) * a.multiplier))
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []uint64, p float64) uint64 {
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
