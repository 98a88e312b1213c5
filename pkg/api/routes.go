package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tkarski/eventgate/pkg/tenant"
)

// SetupRoutes mounts the API on router. Ingest authenticates inside the
// admission pipeline with an ingest-scope key; everything else under /v1
// requires a query-scope key except the health probe.
func (h *Handler) SetupRoutes(router *mux.Router, port string) {
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/events", h.handleIngest).Methods("POST")

	// Tenant-scoped reads
	api.HandleFunc("/events", h.requireScope(tenant.ScopeQuery, h.handleQueryEvents)).Methods("GET")
	api.HandleFunc("/aggregates", h.requireScope(tenant.ScopeQuery, h.handleQueryAggregates)).Methods("GET")
	api.HandleFunc("/summaries", h.requireScope(tenant.ScopeQuery, h.handleQuerySummaries)).Methods("GET")
	api.HandleFunc("/sources", h.requireScope(tenant.ScopeQuery, h.handleListSources)).Methods("GET")

	// Live feed
	api.HandleFunc("/live", h.requireScope(tenant.ScopeQuery, h.handleLive)).Methods("GET")

	// Operations
	api.HandleFunc("/ops/status", h.requireScope(tenant.ScopeQuery, h.handleOpsStatus)).Methods("GET")
	api.HandleFunc("/ops/deadletters", h.requireScope(tenant.ScopeQuery, h.handleOpsDeadLetters)).Methods("GET")
	api.HandleFunc("/ops/process", h.requireScope(tenant.ScopeQuery, h.handleOpsProcess)).Methods("POST")
	api.HandleFunc("/ops/aggregate", h.requireScope(tenant.ScopeQuery, h.handleOpsAggregate)).Methods("POST")
	api.HandleFunc("/ops/sweep", h.requireScope(tenant.ScopeQuery, h.handleOpsSweep)).Methods("POST")

	api.HandleFunc("/health", h.handleHealth).Methods("GET")
}

// corsMiddleware restricts browser access to localhost origins.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowedOrigins := []string{
				"http://localhost:" + port,
				"http://127.0.0.1:" + port,
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}
			allowed := false
			for _, allowedOrigin := range allowedOrigins {
				if origin == allowedOrigin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
