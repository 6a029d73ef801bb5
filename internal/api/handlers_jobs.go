package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/catlover-bot/pushpipe/internal/metrics"
	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

type JobHandler struct {
	store storage.Storage
	agg   *metrics.Aggregator
}

func NewJobHandler(store storage.Storage, agg *metrics.Aggregator) *JobHandler {
	return &JobHandler{store: store, agg: agg}
}

type enqueueRequest struct {
	UserID         string          `json:"user_id"`
	NotificationID string          `json:"notification_id,omitempty"`
	PostID         string          `json:"post_id,omitempty"`
	Kind           string          `json:"kind"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

const maxPayloadSize = 64 * 1024 // 64KB

// Enqueue creates a pending job immediately claimable by the next dispatch
// pass, and logs a queued event for it.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = models.DefaultMaxAttempts
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             models.NewID("job"),
		UserID:         req.UserID,
		NotificationID: req.NotificationID,
		PostID:         req.PostID,
		Kind:           req.Kind,
		Title:          req.Title,
		Body:           req.Body,
		Payload:        req.Payload,
		Status:         models.JobPending,
		MaxAttempts:    req.MaxAttempts,
		AvailableAfter: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.store.EnqueueJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	// Best effort: the queued event and counter never fail the enqueue.
	h.store.InsertEvents(r.Context(), []models.DeliveryEvent{{
		ID:        models.NewID("evt"),
		JobID:     job.ID,
		UserID:    job.UserID,
		Kind:      job.Kind,
		EventType: models.EventQueued,
		Status:    "ok",
		CreatedAt: now,
	}})
	h.agg.Bump(r.Context(), job.UserID, job.Kind, now, models.MetricDelta{Queued: 1})

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
	})
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	events, err := h.store.ListEventsByJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery events")
		return
	}
	if events == nil {
		events = []models.DeliveryEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":    job,
		"events": events,
	})
}
