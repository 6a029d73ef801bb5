package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/catlover-bot/pushpipe/internal/dispatch"
	"github.com/catlover-bot/pushpipe/internal/receipts"
)

// TriggerHandler runs the dispatch and receipt orchestrators on demand.
// Callers (cron, ops tooling) read should_continue to decide whether to
// invoke again.
type TriggerHandler struct {
	dispatcher *dispatch.Orchestrator
	reconciler *receipts.Reconciler
}

func NewTriggerHandler(dispatcher *dispatch.Orchestrator, reconciler *receipts.Reconciler) *TriggerHandler {
	return &TriggerHandler{dispatcher: dispatcher, reconciler: reconciler}
}

func (h *TriggerHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	req := h.dispatcher.DefaultRequest("http")
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.dispatcher.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *TriggerHandler) Receipts(w http.ResponseWriter, r *http.Request) {
	req := h.reconciler.DefaultRequest("http")
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.reconciler.Run(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "receipt reconciliation failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeOptional overlays a JSON body, when present, onto defaults.
func decodeOptional(r *http.Request, out interface{}) error {
	err := json.NewDecoder(r.Body).Decode(out)
	if err == io.EOF {
		return nil
	}
	return err
}
