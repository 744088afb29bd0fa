package failures

import "net/http"

// RegisterRoutes registers the failed message store routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/errors", h.HandleErrors)
	mux.HandleFunc("/api/v1/errors/", h.HandleErrorOps)
	mux.HandleFunc("/health", h.HandleHealth)
}
