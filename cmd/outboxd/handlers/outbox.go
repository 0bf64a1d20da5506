// Package handlers provides REST API handlers for the outbox control API.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/outbox"
	"github.com/kimhsiao/outbox/internal/sync/connectivity"
)

const (
	maxRequestBytes = 1 << 20
	defaultLogLimit = 50
)

// OutboxHandler serves the per-namespace outbox operations.
type OutboxHandler struct {
	outboxes map[string]*outbox.Outbox
	monitor  *connectivity.Monitor
}

// NewOutboxHandler creates a new OutboxHandler.
func NewOutboxHandler(outboxes map[string]*outbox.Outbox, monitor *connectivity.Monitor) *OutboxHandler {
	return &OutboxHandler{outboxes: outboxes, monitor: monitor}
}

// Routes registers the handler under /api/outbox.
func (h *OutboxHandler) Routes(r chi.Router) {
	r.Route("/api/outbox", func(r chi.Router) {
		r.Get("/", h.ListNamespaces)
		r.Get("/connectivity", h.GetConnectivity)
		r.Post("/connectivity", h.SetConnectivity)
		r.Route("/{ns}", func(r chi.Router) {
			r.Post("/operations", h.Enqueue)
			r.Delete("/operations", h.Clear)
			r.Get("/operations/{id}", h.GetOperation)
			r.Get("/stats", h.Stats)
			r.Post("/sync", h.SyncNow)
			r.Post("/retry-failed", h.RetryFailed)
			r.Get("/failed", h.Failed)
			r.Get("/logs", h.Logs)
		})
	})
}

// Namespaces returns the configured namespaces in name order.
func (h *OutboxHandler) Namespaces() []string {
	names := make([]string, 0, len(h.outboxes))
	for name := range h.outboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// outboxFor resolves {ns} or writes a 404.
func (h *OutboxHandler) outboxFor(w http.ResponseWriter, r *http.Request) (*outbox.Outbox, bool) {
	ns := chi.URLParam(r, "ns")
	o, ok := h.outboxes[ns]
	if !ok {
		writeError(w, apperrors.Newf(apperrors.ErrNotFound, "unknown namespace %q", ns))
		return nil, false
	}
	return o, true
}

// ListNamespaces handles GET /api/outbox
func (h *OutboxHandler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"namespaces": h.Namespaces()})
}

// GetConnectivity handles GET /api/outbox/connectivity
func (h *OutboxHandler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.monitor.IsOnline(),
		"visible": h.monitor.IsVisible(),
	})
}

// SetConnectivity handles POST /api/outbox/connectivity
// Body: {"online": bool, "visible": bool, "focus": bool}; every field is optional.
func (h *OutboxHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online  *bool `json:"online"`
		Visible *bool `json:"visible"`
		Focus   bool  `json:"focus"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}

	if request.Online != nil {
		h.monitor.SetOnline(*request.Online)
	}
	if request.Visible != nil {
		h.monitor.SetVisible(*request.Visible)
	}
	if request.Focus {
		h.monitor.Focus()
	}
	h.GetConnectivity(w, r)
}

// Enqueue handles POST /api/outbox/{ns}/operations
func (h *OutboxHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}

	var request models.OperationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&request); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}
	if request.IdempotencyKey == "" {
		request.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	op, err := o.Enqueue(r.Context(), request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

// Clear handles DELETE /api/outbox/{ns}/operations
func (h *OutboxHandler) Clear(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	removed, err := o.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// GetOperation handles GET /api/outbox/{ns}/operations/{id}
func (h *OutboxHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	op, err := o.Operation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// Stats handles GET /api/outbox/{ns}/stats
func (h *OutboxHandler) Stats(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	stats, err := o.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SyncNow handles POST /api/outbox/{ns}/sync
// Runs one pass and returns its outcome.
func (h *OutboxHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	result, err := o.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"processed":   result.Processed,
		"succeeded":   result.Succeeded,
		"retried":     result.Retried,
		"failed":      result.Failed,
		"conflicts":   result.Conflicts,
		"skipped":     string(result.Skipped),
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// RetryFailed handles POST /api/outbox/{ns}/retry-failed
func (h *OutboxHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	n, err := o.RetryFailedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// Failed handles GET /api/outbox/{ns}/failed
func (h *OutboxHandler) Failed(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	items, err := o.FailedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

// Logs handles GET /api/outbox/{ns}/logs?limit=N
func (h *OutboxHandler) Logs(w http.ResponseWriter, r *http.Request) {
	o, ok := h.outboxFor(w, r)
	if !ok {
		return
	}
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperrors.Newf(apperrors.ErrValidation, "invalid limit %q", v))
			return
		}
		limit = n
	}
	logs, err := o.RecentLogs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.SyncLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": logs})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrValidation, apperrors.ErrUnknownOperation:
		status = http.StatusBadRequest
	case apperrors.ErrNotFound:
		status = http.StatusNotFound
	case apperrors.ErrDuplicate, apperrors.ErrInvalidTransition:
		status = http.StatusConflict
	case apperrors.ErrQueueFull, apperrors.ErrStorage:
		status = http.StatusServiceUnavailable
	case apperrors.ErrSyncFailed:
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}
