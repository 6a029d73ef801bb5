package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/catlover-bot/pushpipe/internal/models"
	"github.com/catlover-bot/pushpipe/internal/storage"
)

type StatsHandler struct {
	store storage.Storage
}

func NewStatsHandler(store storage.Storage) *StatsHandler {
	return &StatsHandler{store: store}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "pushpipe",
	})
}

func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *StatsHandler) UserMetrics(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	day := r.URL.Query().Get("day")
	if day == "" {
		writeError(w, http.StatusBadRequest, "day query parameter is required (YYYY-MM-DD)")
		return
	}

	buckets, err := h.store.GetMetrics(r.Context(), userID, day)
	if err != nil {
		if storage.Classify(err) == storage.NotProvisioned {
			writeJSON(w, http.StatusOK, []models.DailyMetricBucket{})
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}
	if buckets == nil {
		buckets = []models.DailyMetricBucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}
