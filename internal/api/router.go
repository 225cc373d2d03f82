package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every route the reconciler service exposes. Health,
// readiness and metrics stay open; ingestion and query routes sit behind the
// shared token.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	if s.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	ing := r.PathPrefix("/ingest").Subrouter()
	ing.Use(s.requireToken)
	ing.HandleFunc("/kafka/upserts", s.kafkaUpserts).Methods(http.MethodPost)
	ing.HandleFunc("/kafka/deltas", s.kafkaDeltas).Methods(http.MethodPost)
	ing.HandleFunc("/email", s.emailIngest).Methods(http.MethodPost)

	orgs := r.PathPrefix("/orgs").Subrouter()
	orgs.Use(s.requireToken)
	orgs.HandleFunc("/{orgId}", s.getOrganization).Methods(http.MethodGet)
	orgs.HandleFunc("/{orgId}/employees/{email}", s.getEmployee).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "no such route")
	})
	return r
}
