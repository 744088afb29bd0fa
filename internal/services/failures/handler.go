package failures

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cornjacket/messagewatch/internal/shared/domain/messages"
)

// Handler handles HTTP requests for the failed message store.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new failures HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("handler", "failures"),
	}
}

// rangeRequest is the body for range-scoped operations. Ids takes precedence
// over the time range when both are supplied.
type rangeRequest struct {
	IDs  []string   `json:"ids,omitempty"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// HandleErrors handles GET /api/v1/errors
func (h *Handler) HandleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.service.List(r.Context(), f)
	if err != nil {
		h.logger.Error("failed to list errors", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, page)
}

// HandleErrorOps routes /api/v1/errors/{id}[/op] and the range operations
// /api/v1/errors/resolve and /api/v1/errors/unarchive.
func (h *Handler) HandleErrorOps(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/errors/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] == "resolve":
		h.handleResolveRange(w, r)
	case len(parts) == 1 && parts[0] == "unarchive":
		h.handleUnArchiveBulk(w, r)
	case len(parts) == 1 && parts[0] != "":
		h.handleGet(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "":
		h.handleMessageOp(w, r, parts[0], parts[1])
	default:
		h.writeError(w, http.StatusBadRequest, "invalid path")
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	msg, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "failed message not found")
			return
		}
		h.logger.Error("failed to load error", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) handleMessageOp(w http.ResponseWriter, r *http.Request, id, op string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var (
		changed bool
		err     error
	)
	switch op {
	case "archive":
		changed, err = h.service.Archive(r.Context(), id)
	case "unarchive":
		changed, err = h.service.UnArchiveOne(r.Context(), id)
	case "resolve":
		changed, err = h.service.Resolve(r.Context(), id)
	default:
		h.writeError(w, http.StatusNotFound, "unknown operation")
		return
	}

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "failed message not found")
			return
		}
		h.logger.Error("error operation failed", "id", id, "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"id": id, "changed": changed})
}

func (h *Handler) handleResolveRange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == nil || req.To == nil {
		h.writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	n, err := h.service.ResolveBetween(r.Context(), *req.From, *req.To)
	if err != nil {
		h.logger.Error("failed to resolve range", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"resolved": n})
}

func (h *Handler) handleUnArchiveBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		n   int64
		err error
	)
	switch {
	case len(req.IDs) > 0:
		n, err = h.service.UnArchive(r.Context(), req.IDs)
	case req.From != nil && req.To != nil:
		n, err = h.service.UnArchiveBetween(r.Context(), *req.From, *req.To)
	default:
		h.writeError(w, http.StatusBadRequest, "ids or from/to are required")
		return
	}

	if err != nil {
		h.logger.Error("failed to unarchive", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"unarchived": n})
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func filterFromQuery(r *http.Request) (Filter, error) {
	f := Filter{
		Endpoint: r.URL.Query().Get("endpoint"),
		GroupID:  r.URL.Query().Get("group"),
		Limit:    50,
	}

	if s := r.URL.Query().Get("status"); s != "" {
		status, err := parseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}
	if s := r.URL.Query().Get("from"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errors.New("invalid from timestamp")
		}
		f.From = &ts
	}
	if s := r.URL.Query().Get("to"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errors.New("invalid to timestamp")
		}
		f.To = &ts
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			f.Limit = n
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			f.Offset = n
		}
	}

	return f, nil
}

func parseStatus(s string) (messages.Status, error) {
	switch strings.ToLower(s) {
	case "unresolved":
		return messages.StatusUnresolved, nil
	case "resolved":
		return messages.StatusResolved, nil
	case "retryissued":
		return messages.StatusRetryIssued, nil
	case "archived":
		return messages.StatusArchived, nil
	default:
		return 0, errors.New("invalid status: " + s)
	}
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
