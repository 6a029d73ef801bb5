package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/catlover-bot/pushpipe/internal/gateway"
	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/pool"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

// deviceFetchLimit caps how many enabled tokens one job targets.
const deviceFetchLimit = 40

// DefaultProvider is the push provider jobs are dispatched against.
const DefaultProvider = "expo"

// JobResult is the per-job outcome reported back to the orchestrator.
type JobResult struct {
	JobID         string           `json:"job_id"`
	Status        models.JobStatus `json:"status"`
	Targets       int              `json:"targets"`
	Sent          int              `json:"sent"`
	Errors        int              `json:"errors"`
	Disabled      int              `json:"disabled"`
	Retried       bool             `json:"retried"`
	NextAttemptAt *time.Time       `json:"next_attempt_at,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type Worker struct {
	store    storage.Storage
	gw       gateway.Client
	metrics  *metrics.Aggregator
	provider string
	log      zerolog.Logger
}

func NewWorker(store storage.Storage, gw gateway.Client, agg *metrics.Aggregator, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		gw:       gw,
		metrics:  agg,
		provider: DefaultProvider,
		log:      log,
	}
}

// Process delivers one claimed job: resolve targets, send in chunks, classify
// the outcome, and write the post-processing state. Per-token failures never
// abort the job; only the final status write matters for requeueing.
func (w *Worker) Process(ctx context.Context, job models.Job) JobResult {
	res := JobResult{JobID: job.ID}

	devices, err := w.store.ListEnabledDevices(ctx, job.UserID, w.provider, deviceFetchLimit)
	if err != nil {
		if storage.Classify(err) == storage.NotProvisioned {
			// Registry feature absent: fail soft, the job is a no-op success.
			devices = nil
		} else {
			w.log.Error().Err(err).Str("job_id", job.ID).Msg("device registry lookup failed")
			return w.finalize(ctx, job, res, models.JobFailed, "device registry: "+err.Error())
		}
	}

	tokens := CollectTokens(devices)
	res.Targets = len(tokens)
	if len(tokens) == 0 {
		return w.finalize(ctx, job, res, models.JobSent, "")
	}

	sent, errored := 0, 0
	lastError := ""
	var events []models.DeliveryEvent
	var disable []string
	tokenStatus := make(map[string]string, len(tokens))

	for _, chunk := range pool.Chunk(tokens, gateway.MaxSendBatch) {
		messages := make([]gateway.Message, len(chunk))
		for i, token := range chunk {
			messages[i] = gateway.Message{
				To:    token,
				Title: job.Title,
				Body:  job.Body,
				Data:  messageData(job),
			}
		}

		results, err := w.gw.Send(ctx, messages)
		if err != nil {
			// The whole chunk counts as errored; one synthetic event per token.
			errored += len(chunk)
			lastError = err.Error()
			for _, token := range chunk {
				tokenStatus[token] = "error"
				events = append(events, w.newEvent(job, models.EventError, token, "", "error", "GatewaySendFailed", err.Error()))
			}
			w.log.Warn().Err(err).Str("job_id", job.ID).Int("chunk_size", len(chunk)).Msg("gateway send failed")
			continue
		}

		for i, r := range results {
			token := chunk[i]
			if r.Status == gateway.StatusOK {
				sent++
				tokenStatus[token] = "ok"
				events = append(events, w.newEvent(job, models.EventSent, token, r.ID, "ok", "", ""))
				continue
			}
			errored++
			tokenStatus[token] = "error"
			code := r.ErrorCode()
			if r.Message != "" {
				lastError = r.Message
			} else if code != "" {
				lastError = code
			}
			if code == gateway.CodeDeviceNotRegistered {
				disable = append(disable, token)
				events = append(events, w.newEvent(job, models.EventDeviceNotRegistered, token, "", "error", code, r.Message))
			} else {
				events = append(events, w.newEvent(job, models.EventError, token, "", "error", code, r.Message))
			}
		}
	}

	res.Sent = sent
	res.Errors = errored

	// Events are best-effort: dropping them never fails the job.
	if err := w.store.InsertEvents(ctx, events); err != nil {
		w.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to persist delivery events")
	}

	if len(disable) > 0 {
		n, err := w.store.DisableDevices(ctx, job.UserID, disable)
		if err != nil {
			w.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to disable dead devices")
		}
		res.Disabled = int(n)
	}

	now := time.Now().UTC()
	for token, status := range tokenStatus {
		if err := w.store.TouchDeviceDelivery(ctx, job.UserID, token, status, now); err != nil {
			w.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to refresh device freshness")
		}
	}

	dnr := len(disable)
	w.metrics.Bump(ctx, job.UserID, job.Kind, now, models.MetricDelta{
		Sent:                int64(sent),
		Errors:              int64(errored),
		DeviceNotRegistered: int64(dnr),
	})

	return w.finalize(ctx, job, res, ClassifyOutcome(sent, errored), lastError)
}

// finalize applies the retry policy and clears the lock. A failed job with
// remaining budget goes back to pending behind a linear backoff; everything
// else is terminal.
func (w *Worker) finalize(ctx context.Context, job models.Job, res JobResult, outcome models.JobStatus, lastError string) JobResult {
	now := time.Now().UTC()
	job.LastError = lastError

	if outcome == models.JobFailed && ShouldRetry(job.Attempts, job.MaxAttempts) {
		next := now.Add(Backoff(job.Attempts))
		job.Status = models.JobPending
		job.AvailableAfter = next
		job.ProcessedAt = nil
		res.Retried = true
		res.NextAttemptAt = &next
	} else {
		job.Status = outcome
		job.ProcessedAt = &now
	}
	res.Status = job.Status

	if err := w.store.FinishJob(ctx, &job); err != nil {
		w.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to write job outcome")
		res.Error = err.Error()
	}

	w.log.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("targets", res.Targets).
		Int("sent", res.Sent).
		Int("errors", res.Errors).
		Bool("retried", res.Retried).
		Msg("job processed")
	return res
}

func (w *Worker) newEvent(job models.Job, typ models.EventType, token, ticketID, status, code, message string) models.DeliveryEvent {
	return models.DeliveryEvent{
		ID:           models.NewID("evt"),
		JobID:        job.ID,
		UserID:       job.UserID,
		Kind:         job.Kind,
		EventType:    typ,
		Token:        token,
		TicketID:     ticketID,
		Status:       status,
		ErrorCode:    code,
		ErrorMessage: message,
		CreatedAt:    time.Now().UTC(),
	}
}

func messageData(job models.Job) map[string]string {
	data := map[string]string{
		"kind":   job.Kind,
		"job_id": job.ID,
	}
	if job.NotificationID != "" {
		data["notification_id"] = job.NotificationID
	}
	if job.PostID != "" {
		data["post_id"] = job.PostID
	}
	return data
}
