package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Handler handles HTTP requests for retry operations. Every operation is
// fire-and-forget: an accepted response means a batch was created, not that
// any message was redelivered. Outcomes surface later through the error
// status queries.
type Handler struct {
	manager *Manager
	store   MessageStore
	logger  *slog.Logger
}

// NewHandler creates a new recovery HTTP handler.
func NewHandler(manager *Manager, store MessageStore, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		store:   store,
		logger:  logger.With("handler", "recovery"),
	}
}

type retryRequest struct {
	IDs  []string   `json:"ids,omitempty"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

type retryResponse struct {
	BatchID  string `json:"batch_id"`
	Selected int    `json:"selected"`
}

// HandleRetryOps routes /api/v1/recoverability/... retry operations.
func (h *Handler) HandleRetryOps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/recoverability/")
	parts := strings.Split(rest, "/")

	switch {
	case rest == "errors/retry":
		h.handleRetryByIDs(w, r)
	case rest == "errors/retry/all":
		h.createBatch(w, r, Selection{Kind: SelectAll}, "retry all failed messages", false)
	case len(parts) == 3 && parts[0] == "errors" && parts[2] == "retry":
		h.handleRetryByID(w, r, parts[1])
	case len(parts) == 4 && parts[0] == "groups" && parts[2] == "errors" && parts[3] == "retry":
		h.handleRetryByGroup(w, r, parts[1])
	case len(parts) == 3 && parts[0] == "queues" && parts[2] == "retry":
		h.handleRetryByQueue(w, r, parts[1])
	default:
		h.writeError(w, http.StatusNotFound, "unknown operation")
	}
}

func (h *Handler) handleRetryByID(w http.ResponseWriter, r *http.Request, id string) {
	exists, err := h.store.Exists(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to check message", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !exists {
		h.writeError(w, http.StatusNotFound, "failed message not found")
		return
	}

	sel := Selection{Kind: SelectByIDs, IDs: []string{id}}
	h.createBatch(w, r, sel, "retry message "+id, true)
}

func (h *Handler) handleRetryByIDs(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "ids are required")
		return
	}

	sel := Selection{Kind: SelectByIDs, IDs: req.IDs}
	h.createBatch(w, r, sel, fmt.Sprintf("retry %d selected messages", len(req.IDs)), true)
}

func (h *Handler) handleRetryByGroup(w http.ResponseWriter, r *http.Request, group string) {
	sel := Selection{Kind: SelectByGroup, GroupID: group}
	h.createBatch(w, r, sel, "retry group "+group, true)
}

func (h *Handler) handleRetryByQueue(w http.ResponseWriter, r *http.Request, queue string) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == nil || req.To == nil {
		h.writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	sel := Selection{Kind: SelectByQueue, Queue: queue, From: req.From, To: req.To}
	h.createBatch(w, r, sel, "retry queue "+queue, false)
}

// createBatch runs the selection through the manager. strictSelection maps
// an empty selection to 404 (the caller referenced specific messages or a
// group that does not exist); broad selections report zero instead.
func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request, sel Selection, originator string, strictSelection bool) {
	batch, err := h.manager.CreateBatch(r.Context(), sel, originator)
	if err != nil {
		if errors.Is(err, ErrNoneSelected) {
			if strictSelection {
				h.writeError(w, http.StatusNotFound, "no matching failed messages")
				return
			}
			h.writeJSON(w, http.StatusOK, retryResponse{Selected: 0})
			return
		}
		h.logger.Error("failed to create retry batch", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, retryResponse{BatchID: batch.ID, Selected: batch.InitialCount})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
