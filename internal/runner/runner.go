// Package runner drives the dispatch and receipt orchestrators on fixed
// intervals when the process runs in serve mode. The HTTP trigger endpoints
// remain the canonical invocation surface; the runner just keeps a deployment
// without external cron making progress.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/receipts"
)

type Runner struct {
	dispatcher *dispatch.Orchestrator
	reconciler *receipts.Reconciler
	cfg        config.RunnerConfig
	log        zerolog.Logger
	stop       chan struct{}
	wg         sync.WaitGroup
}

func New(dispatcher *dispatch.Orchestrator, reconciler *receipts.Reconciler, cfg config.RunnerConfig, log zerolog.Logger) *Runner {
	return &Runner{
		dispatcher: dispatcher,
		reconciler: reconciler,
		cfg:        cfg,
		log:        log,
		stop:       make(chan struct{}),
	}
}

func (r *Runner) Start(ctx context.Context) {
	r.log.Info().
		Dur("dispatch_interval", r.cfg.DispatchInterval).
		Dur("receipt_interval", r.cfg.ReceiptInterval).
		Msg("starting pipeline runner")

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.dispatchLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.receiptLoop(ctx)
	}()
}

func (r *Runner) Stop() {
	r.log.Info().Msg("stopping pipeline runner")
	close(r.stop)
	r.wg.Wait()
	r.log.Info().Msg("pipeline runner stopped")
}

func (r *Runner) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.dispatcher.Run(ctx, r.dispatcher.DefaultRequest("runner")); err != nil {
				r.log.Error().Err(err).Msg("scheduled dispatch failed")
			}
		}
	}
}

func (r *Runner) receiptLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReceiptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.reconciler.Run(ctx, r.reconciler.DefaultRequest("runner")); err != nil {
				r.log.Error().Err(err).Msg("scheduled receipt reconciliation failed")
			}
		}
	}
}
