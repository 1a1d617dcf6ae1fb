package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"bundler-go/internal/config"
	"bundler-go/internal/execution"
	"bundler-go/internal/history"
	"bundler-go/internal/keystore"
	"bundler-go/internal/ledger"
	"bundler-go/internal/lock"
	"bundler-go/internal/paper"
	"bundler-go/internal/store"
)

// PaperMasterLamports is the simulated master balance in paper mode.
const PaperMasterLamports = 1_000 * 1_000_000_000

// Runtime is an engine plus the resources it owns.
type Runtime struct {
	*Engine
	Custody *keystore.Store
	Net     ledger.Client
	// Durable is the sqlite result store, nil when storage.sqlite_path is empty.
	Durable *store.Store
	closers []func() error
}

// Close releases sinks and connections in reverse order of creation.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the network client, keystore, lock and audit sinks described by cfg.
func Open(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	var net ledger.Client
	var paperNet *paper.Network
	if cfg.Network.Paper {
		paperNet = paper.NewNetwork()
		net = paperNet
		log.Warn().Msg("paper mode: transactions are simulated")
	} else {
		net = ledger.NewRPC(cfg.Network.RPCURL, cfg.Network.Commitment, log.With().Str("component", "rpc").Logger(),
			ledger.WithConfirmTimeout(cfg.Network.ConfirmTimeout()),
			ledger.WithPollInterval(cfg.Network.PollInterval()))
	}
	rt.Net = net

	custody, err := keystore.Open(keystore.Options{
		Path:                 cfg.Keystore.Path,
		Secret:               cfg.Keystore.Secret,
		MasterKey:            cfg.Keystore.MasterKey,
		SeedLamports:         cfg.Wallets.SeedLamports,
		SafetyMarginLamports: cfg.Wallets.SafetyMarginLamports,
		Thresholds: keystore.Thresholds{
			Min:    cfg.Wallets.MinLamports,
			Target: cfg.Wallets.TargetLamports,
			Max:    cfg.Wallets.MaxLamports,
		},
	}, net, log.With().Str("component", "keystore").Logger())
	if err != nil {
		return fail(fmt.Errorf("open keystore: %w", err))
	}
	rt.Custody = custody
	if paperNet != nil {
		paperNet.SetBalance(custody.Master(), PaperMasterLamports)
	}

	var locker lock.Locker
	if cfg.Lock.RedisURL != "" {
		client, err := lock.NewRedisClient(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, client.Close)
		locker = lock.NewRedis(client, cfg.Lock.Key, cfg.Lock.TTL(), log.With().Str("component", "lock").Logger())
	}

	var sinks []execution.Sink
	if cfg.Storage.SQLitePath != "" {
		db, err := store.New(cfg.Storage.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open result store: %w", err))
		}
		rt.closers = append(rt.closers, db.Close)
		if err := db.Ping(ctx); err != nil {
			return fail(fmt.Errorf("ping result store: %w", err))
		}
		rt.Durable = db
		sinks = append(sinks, db)
	}
	if cfg.Storage.ResultsPath != "" {
		rec, err := history.NewJSONLRecorder(cfg.Storage.ResultsPath)
		if err != nil {
			return fail(fmt.Errorf("open results file: %w", err))
		}
		rt.closers = append(rt.closers, rec.Close)
		sinks = append(sinks, rec)
	}

	eng, err := New(cfg, custody, net, locker, log, sinks...)
	if err != nil {
		return fail(err)
	}
	rt.Engine = eng
	return rt, nil
}

// DurableResults counts results in the sqlite store. ok is false when no store is configured.
func (r *Runtime) DurableResults(ctx context.Context) (n int, ok bool, err error) {
	if r.Durable == nil {
		return 0, false, nil
	}
	n, err = r.Durable.Count(ctx)
	return n, true, err
}
