package core

// reorg_watchdog.go watches the upstream chain tip against the store's
// committed headers and, on divergence, computes the common ancestor and
// drives the scheduler through a rollback. The scheduler's crash recovery
// and failure handling, and Store.ForceRevertUntil, also call
// store.revertUntil.
// The polling + mutex + logrus shape follows the fork tracker this file
// replaces; the branch-bookkeeping body is gone, replaced by a single
// fork-point computation against the canonical Bitcoin RPC source.

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ReorgWatchdogConfig controls how often the watchdog polls for divergence.
type ReorgWatchdogConfig struct {
	PollInterval time.Duration
}

// ReorgWatchdog detects when the upstream chain has reorganised past the
// store's recorded headers and coordinates the scheduler's rollback.
type ReorgWatchdog struct {
	cfg       ReorgWatchdogConfig
	rpc       BitcoinRPC
	store     *Store
	scheduler *Scheduler
	logger    *logrus.Logger
	metrics   *Metrics

	quit chan struct{}
}

// SetMetrics attaches a collector set; a nil *Metrics is always safe.
func (w *ReorgWatchdog) SetMetrics(m *Metrics) { w.metrics = m }

// NewReorgWatchdog wires a watchdog to the RPC tip source, the store it
// audits, and the scheduler it drives through a rollback.
func NewReorgWatchdog(cfg ReorgWatchdogConfig, rpc BitcoinRPC, store *Store, scheduler *Scheduler, logger *logrus.Logger) *ReorgWatchdog {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReorgWatchdog{
		cfg:       cfg,
		rpc:       rpc,
		store:     store,
		scheduler: scheduler,
		logger:    logger,
		quit:      make(chan struct{}),
	}
}

// Run polls the upstream node on cfg.PollInterval, checking each committed
// header against the node's canonical block at that height.
func (w *ReorgWatchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-ticker.C:
			if err := w.CheckOnce(ctx); err != nil {
				w.logger.WithError(err).Warn("reorg watchdog check failed")
			}
		}
	}
}

// Stop terminates the watchdog's poll loop.
func (w *ReorgWatchdog) Stop() { close(w.quit) }

// CheckOnce walks the store's committed headers from the tip backward until
// it finds one whose hash still matches the node's block at that height (the
// common ancestor), and if that height is below the current tip, drives the
// scheduler through a reorg to it. A no-op if the tip still matches.
func (w *ReorgWatchdog) CheckOnce(ctx context.Context) error {
	tip, ok := w.store.getLatestBlock()
	if !ok {
		return nil
	}

	remote, err := w.rpc.GetBlockByHeight(ctx, tip.Height)
	if err != nil {
		return WrapError(ErrInvariant, "TipFetchFailed", "fetch remote tip block", err)
	}
	if remote.Hash == tip.Hash {
		return nil // still canonical
	}

	fromHeight, err := w.findCommonAncestor(ctx, tip.Height)
	if err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"fromHeight": fromHeight,
		"toHeight":   tip.Height,
	}).Warn("chain reorganisation detected")

	if err := w.scheduler.applyReorg(fromHeight); err != nil {
		return WrapError(ErrCorruption, "ReorgApplyFailed", "apply scheduler reorg", err)
	}

	w.store.mu.Lock()
	w.store.reorgs = append(w.store.reorgs, ReorgRecord{
		FromBlock: fromHeight + 1,
		ToBlock:   tip.Height,
		Timestamp: remote.Timestamp,
	})
	w.store.mu.Unlock()
	w.metrics.observeReorg(tip.Height - fromHeight)
	return nil
}

// findCommonAncestor walks backward from height until the store's recorded
// hash at some height h matches the node's block hash at h, returning that
// height. Height 0 (genesis) is always assumed common.
func (w *ReorgWatchdog) findCommonAncestor(ctx context.Context, height uint64) (uint64, error) {
	for h := height; h > 0; h-- {
		local, ok := w.store.getBlockHeader(h)
		if !ok {
			continue
		}
		remote, err := w.rpc.GetBlockByHeight(ctx, h)
		if err != nil {
			return 0, WrapError(ErrInvariant, "AncestorFetchFailed", "fetch candidate ancestor block", err)
		}
		if remote.Hash == local.Hash {
			return h, nil
		}
	}
	return 0, nil
}
