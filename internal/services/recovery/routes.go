package recovery

import "net/http"

// RegisterRoutes registers the retry operation routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/recoverability/", h.HandleRetryOps)
}
