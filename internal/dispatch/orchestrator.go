package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/pool"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

// Request is one dispatch invocation. Zero-valued sizing fields fall back to
// the configured defaults.
type Request struct {
	Limit           int    `json:"limit"`
	Source          string `json:"source"`
	AutoScale       bool   `json:"auto_scale"`
	Parallelism     int    `json:"parallelism"`
	JobsPerWorker   int    `json:"jobs_per_worker"`
	MaxParallelism  int    `json:"max_parallelism"`
	AutoReenter     bool   `json:"auto_reenter"`
	MaxPasses       int    `json:"max_passes"`
	MaxReturnedJobs int    `json:"max_returned_jobs"`
}

// PassSummary reports one claim→process cycle.
type PassSummary struct {
	Pass           int `json:"pass"`
	Backlog        int `json:"backlog"`
	Parallelism    int `json:"parallelism"`
	EffectiveLimit int `json:"effective_limit"`
	Claimed        int `json:"claimed"`
	Processed      int `json:"processed"`
	Sent           int `json:"sent"`
	Partial        int `json:"partial"`
	Failed         int `json:"failed"`
	Retried        int `json:"retried"`
}

type Result struct {
	Processed      int           `json:"processed"`
	PassCount      int           `json:"pass_count"`
	Passes         []PassSummary `json:"passes"`
	Jobs           []JobResult   `json:"jobs"`
	ShouldContinue bool          `json:"should_continue"`
}

type Orchestrator struct {
	store  storage.Storage
	worker *Worker
	cfg    config.DispatchConfig
	log    zerolog.Logger
}

func NewOrchestrator(store storage.Storage, worker *Worker, cfg config.DispatchConfig, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{store: store, worker: worker, cfg: cfg, log: log}
}

// DefaultRequest returns an invocation shaped entirely by configuration.
func (o *Orchestrator) DefaultRequest(source string) Request {
	return Request{
		Limit:           o.cfg.Limit,
		Source:          source,
		AutoScale:       o.cfg.AutoScale,
		Parallelism:     o.cfg.Parallelism,
		JobsPerWorker:   o.cfg.JobsPerWorker,
		MaxParallelism:  o.cfg.MaxParallelism,
		AutoReenter:     o.cfg.AutoReenter,
		MaxPasses:       o.cfg.MaxPasses,
		MaxReturnedJobs: o.cfg.MaxReturnedJobs,
	}
}

func (o *Orchestrator) normalize(req Request) Request {
	if req.Limit <= 0 {
		req.Limit = o.cfg.Limit
	}
	if req.Parallelism <= 0 {
		req.Parallelism = o.cfg.Parallelism
	}
	if req.JobsPerWorker <= 0 {
		req.JobsPerWorker = o.cfg.JobsPerWorker
	}
	if req.MaxParallelism <= 0 {
		req.MaxParallelism = o.cfg.MaxParallelism
	}
	if req.MaxPasses <= 0 {
		req.MaxPasses = o.cfg.MaxPasses
	}
	if req.MaxReturnedJobs <= 0 {
		req.MaxReturnedJobs = o.cfg.MaxReturnedJobs
	}
	if req.Source == "" {
		req.Source = "unknown"
	}
	return req
}

// Run executes up to MaxPasses claim→process cycles and reports whether a
// caller should invoke again. A pass-level query failure aborts the run;
// passes already completed remain committed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	req = o.normalize(req)
	claimer := uuid.NewString()
	res := &Result{}

	start := time.Now()
	for pass := 1; pass <= req.MaxPasses; pass++ {
		summary, jobResults, err := o.runPass(ctx, req, claimer, pass)
		if err != nil {
			if res.PassCount == 0 {
				return nil, err
			}
			o.log.Error().Err(err).Int("pass", pass).Msg("dispatch pass aborted")
			break
		}

		res.Passes = append(res.Passes, summary)
		res.PassCount++
		res.Processed += summary.Processed
		for _, jr := range jobResults {
			if len(res.Jobs) < req.MaxReturnedJobs {
				res.Jobs = append(res.Jobs, jr)
			}
		}

		res.ShouldContinue = summary.Backlog > summary.Claimed &&
			(summary.Claimed >= summary.EffectiveLimit || summary.Processed >= summary.EffectiveLimit)
		if !req.AutoReenter || !res.ShouldContinue {
			break
		}
	}

	o.log.Info().
		Str("source", req.Source).
		Int("processed", res.Processed).
		Int("passes", res.PassCount).
		Bool("should_continue", res.ShouldContinue).
		Dur("took", time.Since(start)).
		Msg("dispatch invocation finished")
	return res, nil
}

func (o *Orchestrator) runPass(ctx context.Context, req Request, claimer string, pass int) (PassSummary, []JobResult, error) {
	now := time.Now().UTC()
	summary := PassSummary{Pass: pass}

	backlog, err := o.store.CountClaimableJobs(ctx, now)
	if err != nil {
		return summary, nil, fmt.Errorf("count backlog: %w", err)
	}
	summary.Backlog = backlog
	if backlog == 0 {
		return summary, nil, nil
	}

	parallelism := req.Parallelism
	if req.AutoScale {
		parallelism = pool.Autoscale(backlog, req.JobsPerWorker, req.MaxParallelism)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	summary.Parallelism = parallelism

	// Widen the fetch window so the worker pool is never starved.
	window := parallelism * req.JobsPerWorker
	if window > o.cfg.FetchCap {
		window = o.cfg.FetchCap
	}
	effectiveLimit := req.Limit
	if window > effectiveLimit {
		effectiveLimit = window
	}
	summary.EffectiveLimit = effectiveLimit

	candidates, err := o.store.ListClaimableJobs(ctx, effectiveLimit, now)
	if err != nil {
		return summary, nil, fmt.Errorf("list candidates: %w", err)
	}

	claimed := make([]models.Job, 0, len(candidates))
	for _, job := range candidates {
		won, err := o.store.ClaimJob(ctx, job.ID, claimer, now)
		if err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("claim attempt failed")
			continue
		}
		if !won {
			// Lost the race to a concurrent claimer.
			continue
		}
		job.Status = models.JobProcessing
		job.Attempts++
		job.LockedBy = claimer
		claimed = append(claimed, job)
	}
	summary.Claimed = len(claimed)

	results := pool.Map(ctx, claimed, parallelism, func(ctx context.Context, _ int, job models.Job) JobResult {
		return o.worker.Process(ctx, job)
	})

	summary.Processed = len(results)
	for _, r := range results {
		switch r.Status {
		case models.JobSent:
			summary.Sent++
		case models.JobPartial:
			summary.Partial++
		case models.JobFailed:
			summary.Failed++
		}
		if r.Retried {
			summary.Retried++
		}
	}
	return summary, results, nil
}
