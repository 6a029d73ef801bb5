// Package receipts resolves previously sent tickets against the gateway's
// receipt endpoint. A ticket resolves to delivered or receipt_error at most
// once; tickets the gateway has not answered yet stay pending and are
// re-checked on a later pass.
package receipts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/config"
	"github.com/catlover-bot/pushpipe/internal/gateway"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/pool"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

// Request is one reconciliation invocation. Zero-valued sizing fields fall
// back to the configured defaults.
type Request struct {
	Limit            int    `json:"limit"`
	Source           string `json:"source"`
	AutoScale        bool   `json:"auto_scale"`
	Parallelism      int    `json:"parallelism"`
	TicketsPerWorker int    `json:"tickets_per_worker"`
	MaxParallelism   int    `json:"max_parallelism"`
	MinAgeSeconds    int    `json:"min_age_seconds"`
	SinceDays        int    `json:"since_days"`
	AutoReenter      bool   `json:"auto_reenter"`
	MaxPasses        int    `json:"max_passes"`
}

type PassSummary struct {
	Pass                int `json:"pass"`
	Backlog             int `json:"backlog"`
	Fetched             int `json:"fetched"`
	Tickets             int `json:"tickets"`
	Parallelism         int `json:"parallelism"`
	Delivered           int `json:"delivered"`
	ReceiptErrors       int `json:"receipt_errors"`
	DeviceNotRegistered int `json:"device_not_registered"`
	Pending             int `json:"pending"`
}

type Result struct {
	Processed           int           `json:"processed"`
	Delivered           int           `json:"delivered"`
	ReceiptErrors       int           `json:"receipt_errors"`
	DeviceNotRegistered int           `json:"device_not_registered"`
	PendingReceipts     int           `json:"pending_receipts"`
	Passes              []PassSummary `json:"passes"`
}

// ticketGroup is every event row sharing one gateway ticket. A send logged
// redundantly yields several rows; resolution updates them together.
type ticketGroup struct {
	id   string
	rows []models.DeliveryEvent
}

type Reconciler struct {
	store   storage.Storage
	gw      gateway.Client
	metrics *metrics.Aggregator
	cfg     config.ReceiptsConfig
	log     zerolog.Logger
}

func NewReconciler(store storage.Storage, gw gateway.Client, agg *metrics.Aggregator, cfg config.ReceiptsConfig, log zerolog.Logger) *Reconciler {
	if cfg.EventBatchCap <= 0 {
		cfg.EventBatchCap = 100
	}
	return &Reconciler{store: store, gw: gw, metrics: agg, cfg: cfg, log: log}
}

// DefaultRequest returns an invocation shaped entirely by configuration.
func (r *Reconciler) DefaultRequest(source string) Request {
	return Request{
		Limit:            r.cfg.Limit,
		Source:           source,
		AutoScale:        r.cfg.AutoScale,
		Parallelism:      r.cfg.Parallelism,
		TicketsPerWorker: r.cfg.TicketsPerWorker,
		MaxParallelism:   r.cfg.MaxParallelism,
		MinAgeSeconds:    r.cfg.MinAgeSeconds,
		SinceDays:        r.cfg.SinceDays,
		AutoReenter:      r.cfg.AutoReenter,
		MaxPasses:        r.cfg.MaxPasses,
	}
}

func (r *Reconciler) normalize(req Request) Request {
	if req.Limit <= 0 {
		req.Limit = r.cfg.Limit
	}
	if req.Parallelism <= 0 {
		req.Parallelism = r.cfg.Parallelism
	}
	if req.TicketsPerWorker <= 0 {
		req.TicketsPerWorker = r.cfg.TicketsPerWorker
	}
	if req.MaxParallelism <= 0 {
		req.MaxParallelism = r.cfg.MaxParallelism
	}
	if req.MinAgeSeconds <= 0 {
		req.MinAgeSeconds = r.cfg.MinAgeSeconds
	}
	if req.SinceDays <= 0 {
		req.SinceDays = r.cfg.SinceDays
	}
	if req.MaxPasses <= 0 {
		req.MaxPasses = r.cfg.MaxPasses
	}
	if req.Source == "" {
		req.Source = "unknown"
	}
	return req
}

// Run executes bounded reconciliation passes over the unresolved-ticket
// backlog. A pass-level query failure aborts the run; completed passes stay
// committed.
func (r *Reconciler) Run(ctx context.Context, req Request) (*Result, error) {
	req = r.normalize(req)
	res := &Result{}

	start := time.Now()
	for pass := 1; pass <= req.MaxPasses; pass++ {
		summary, err := r.runPass(ctx, req, pass)
		if err != nil {
			if len(res.Passes) == 0 {
				return nil, err
			}
			r.log.Error().Err(err).Int("pass", pass).Msg("receipt pass aborted")
			break
		}

		res.Passes = append(res.Passes, summary)
		res.Processed += summary.Tickets
		res.Delivered += summary.Delivered
		res.ReceiptErrors += summary.ReceiptErrors
		res.DeviceNotRegistered += summary.DeviceNotRegistered
		res.PendingReceipts = summary.Pending

		shouldContinue := summary.Backlog > summary.Fetched || summary.Pending > 0
		if !req.AutoReenter || !shouldContinue {
			break
		}
	}

	r.log.Info().
		Str("source", req.Source).
		Int("processed", res.Processed).
		Int("delivered", res.Delivered).
		Int("receipt_errors", res.ReceiptErrors).
		Int("pending", res.PendingReceipts).
		Int("passes", len(res.Passes)).
		Dur("took", time.Since(start)).
		Msg("receipt reconciliation finished")
	return res, nil
}

// chunkOutcome is one receipt chunk's tallies, merged after the pool drains.
type chunkOutcome struct {
	delivered int
	errors    int
	dnr       int
	pending   int
	disable   map[string][]string // user id → tokens
}

func (r *Reconciler) runPass(ctx context.Context, req Request, pass int) (PassSummary, error) {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -req.SinceDays)
	before := now.Add(-time.Duration(req.MinAgeSeconds) * time.Second)
	summary := PassSummary{Pass: pass}

	backlog, err := r.store.CountPendingReceipts(ctx, since, before)
	if err != nil {
		return summary, fmt.Errorf("count pending receipts: %w", err)
	}
	summary.Backlog = backlog
	if backlog == 0 {
		return summary, nil
	}

	rows, err := r.store.ListPendingReceipts(ctx, since, before, req.Limit)
	if err != nil {
		return summary, fmt.Errorf("list pending receipts: %w", err)
	}
	summary.Fetched = len(rows)
	if len(rows) == 0 {
		return summary, nil
	}

	groups := groupByTicket(rows)
	summary.Tickets = len(groups)

	parallelism := req.Parallelism
	if req.AutoScale {
		parallelism = pool.Autoscale(len(groups), req.TicketsPerWorker, req.MaxParallelism)
	}
	summary.Parallelism = parallelism

	chunks := pool.Chunk(groups, gateway.MaxReceiptBatch)
	outcomes := pool.Map(ctx, chunks, parallelism, func(ctx context.Context, _ int, chunk []ticketGroup) chunkOutcome {
		return r.reconcileChunk(ctx, chunk)
	})

	disable := make(map[string][]string)
	for _, out := range outcomes {
		summary.Delivered += out.delivered
		summary.ReceiptErrors += out.errors
		summary.DeviceNotRegistered += out.dnr
		summary.Pending += out.pending
		for user, tokens := range out.disable {
			disable[user] = append(disable[user], tokens...)
		}
	}

	for user, tokens := range disable {
		if _, err := r.store.DisableDevices(ctx, user, tokens); err != nil {
			r.log.Warn().Err(err).Str("user_id", user).Msg("failed to disable dead devices")
		}
	}
	return summary, nil
}

// reconcileChunk polls the gateway for one chunk of tickets and applies each
// receipt. A ticket absent from the response stays pending for a later pass.
func (r *Reconciler) reconcileChunk(ctx context.Context, chunk []ticketGroup) chunkOutcome {
	out := chunkOutcome{disable: make(map[string][]string)}

	ids := make([]string, len(chunk))
	byID := make(map[string]ticketGroup, len(chunk))
	for i, g := range chunk {
		ids[i] = g.id
		byID[g.id] = g
	}

	receipts, err := r.gw.GetReceipts(ctx, ids)
	if err != nil {
		// Transient gateway failure: every ticket in the chunk stays pending.
		out.pending += len(chunk)
		r.log.Warn().Err(err).Int("tickets", len(chunk)).Msg("gateway receipt fetch failed")
		return out
	}

	var synthesized []models.DeliveryEvent
	now := time.Now().UTC()

	for _, id := range ids {
		receipt, ok := receipts[id]
		if !ok {
			out.pending++
			continue
		}
		group := byID[id]

		if receipt.Status == gateway.StatusOK {
			n, err := r.store.ResolveTicket(ctx, id, storage.TicketResolution{
				ReceiptID: id,
				EventType: models.EventDelivered,
				Status:    "ok",
			})
			if err != nil {
				out.pending++
				r.log.Warn().Err(err).Str("ticket_id", id).Msg("failed to resolve ticket")
				continue
			}
			if n > 0 {
				out.delivered++
			}
			continue
		}

		code := receipt.ErrorCode()
		eventType := models.EventReceiptError
		if code == gateway.CodeDeviceNotRegistered {
			eventType = models.EventDeviceNotRegistered
		}
		n, err := r.store.ResolveTicket(ctx, id, storage.TicketResolution{
			ReceiptID:    id,
			EventType:    eventType,
			Status:       "error",
			ErrorCode:    code,
			ErrorMessage: receipt.Message,
		})
		if err != nil {
			out.pending++
			r.log.Warn().Err(err).Str("ticket_id", id).Msg("failed to resolve ticket")
			continue
		}
		if n == 0 {
			// Another pass already resolved this ticket.
			continue
		}
		out.errors++

		if eventType == models.EventDeviceNotRegistered {
			out.dnr++
			for _, row := range group.rows {
				out.disable[row.UserID] = append(out.disable[row.UserID], row.Token)
			}
		}

		for _, row := range group.rows {
			if len(synthesized) >= r.cfg.EventBatchCap {
				break
			}
			synthesized = append(synthesized, models.DeliveryEvent{
				ID:           models.NewID("evt"),
				JobID:        row.JobID,
				UserID:       row.UserID,
				Kind:         row.Kind,
				EventType:    eventType,
				Token:        row.Token,
				TicketID:     id,
				ReceiptID:    id,
				Status:       "error",
				ErrorCode:    code,
				ErrorMessage: receipt.Message,
				CreatedAt:    now,
			})
			r.metrics.Bump(ctx, row.UserID, row.Kind, now, models.MetricDelta{
				Errors:              1,
				DeviceNotRegistered: boolToDelta(code == gateway.CodeDeviceNotRegistered),
			})
		}
	}

	if err := r.store.InsertEvents(ctx, synthesized); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist receipt events")
	}
	return out
}

func groupByTicket(rows []models.DeliveryEvent) []ticketGroup {
	index := make(map[string]int, len(rows))
	groups := make([]ticketGroup, 0, len(rows))
	for _, row := range rows {
		if i, ok := index[row.TicketID]; ok {
			groups[i].rows = append(groups[i].rows, row)
			continue
		}
		index[row.TicketID] = len(groups)
		groups = append(groups, ticketGroup{id: row.TicketID, rows: []models.DeliveryEvent{row}})
	}
	return groups
}

func boolToDelta(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
