// Package api exposes the reconciliation core over HTTP: streaming
// ingestion endpoints for the bridge, the email-channel upload endpoint,
// and point reads on organizations and employees.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ctopuviyan/OrgOnboarder/internal/ingest"
	"github.com/ctopuviyan/OrgOnboarder/internal/models"
	"github.com/ctopuviyan/OrgOnboarder/internal/reconcile"
	"github.com/ctopuviyan/OrgOnboarder/internal/roster"
	"github.com/ctopuviyan/OrgOnboarder/internal/store"
)

const (
	serviceName    = "org-onboarder"
	serviceVersion = "1.0.0"

	// maxBodyBytes caps request bodies; the bridge splits its batches to
	// stay under the same limit.
	maxBodyBytes = 10 << 20
)

// Server carries the dependencies the handlers run on. Fields are wired
// once at startup and read-only afterwards.
type Server struct {
	Log        *slog.Logger
	Store      store.Store
	Health     *HealthState
	Epochs     *reconcile.EpochManager
	Reconciler *reconcile.Reconciler
	Deltas     *reconcile.DeltaProcessor
	Finalizer  *reconcile.Finalizer
	Events     *reconcile.EventRegistry
	Token      string

	MetricsEnabled bool
}

type upsertRequest struct {
	OrgID      string             `json:"orgId"`
	OrgName    string             `json:"orgName,omitempty"`
	EventID    string             `json:"eventId,omitempty"`
	Messages   []models.UpsertRow `json:"messages"`
	CloseAfter bool               `json:"closeAfter,omitempty"`
}

type upsertResponse struct {
	Success    bool  `json:"success"`
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Errors     int   `json:"errors"`
	Epoch      int64 `json:"epoch"`
	Finalized  bool  `json:"finalized"`
	DurationMs int64 `json:"durationMs"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.Health.Ready() {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "service is starting or shutting down")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// kafkaUpserts runs one delivered batch through the full epoch flow:
// duplicate check, epoch allocation, reconciliation and, when the event is
// complete, the finalize sweep.
func (s *Server) kafkaUpserts(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req upsertRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	orgID := firstNonEmpty(r.URL.Query().Get("orgId"), req.OrgID)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}
	eventID := firstNonEmpty(r.URL.Query().Get("eventId"), req.EventID)
	if eventID == "" {
		for _, m := range req.Messages {
			if m.EventID != "" {
				eventID = m.EventID
				break
			}
		}
	}

	ctx := r.Context()
	digest, duplicate, err := s.Events.Check(ctx, orgID, eventID, req.Messages)
	if err != nil {
		s.serverError(w, "event check failed", err)
		return
	}
	if duplicate {
		writeError(w, http.StatusConflict, "duplicate_event",
			fmt.Sprintf("event %s was already applied for %s", eventID, orgID))
		return
	}

	epoch, err := s.Epochs.BeginRun(ctx, orgID, req.OrgName)
	if err != nil {
		s.serverError(w, "begin run failed", err)
		return
	}

	res, err := s.Reconciler.Reconcile(ctx, orgID, req.Messages, epoch, models.SourceKafkaUpsert)
	if errors.Is(err, reconcile.ErrCircuitOpen) {
		writeError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
		return
	}
	if err != nil {
		s.serverError(w, "reconcile failed", err)
		return
	}
	// Digest recording is best effort: losing it means a redelivery gets
	// reprocessed, which the upsert path tolerates.
	if err := s.Events.MarkApplied(ctx, orgID, eventID, digest); err != nil {
		s.Log.Error("record_event_digest_failed", slog.String("org", orgID), slog.Any("err", err))
	}

	finalized := false
	if req.CloseAfter {
		if _, err := s.Finalizer.FinalizeRun(ctx, orgID, epoch); err != nil {
			s.serverError(w, "finalize failed", err)
			return
		}
		finalized = true
	}

	writeJSON(w, http.StatusOK, upsertResponse{
		Success:    true,
		Processed:  res.Processed,
		Skipped:    res.Skipped,
		Errors:     res.Errors,
		Epoch:      epoch,
		Finalized:  finalized,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

type deltaRequest struct {
	OrgID    string                `json:"orgId"`
	Messages []models.DeltaMessage `json:"messages"`
}

type deltaResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
}

func (s *Server) kafkaDeltas(w http.ResponseWriter, r *http.Request) {
	var req deltaRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	orgID := firstNonEmpty(r.URL.Query().Get("orgId"), req.OrgID)
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}

	res, err := s.Deltas.Apply(r.Context(), orgID, req.Messages, models.SourceKafkaDelta)
	if err != nil {
		s.serverError(w, "delta apply failed", err)
		return
	}
	writeJSON(w, http.StatusOK, deltaResponse{Success: true, Processed: res.Processed, Skipped: res.Skipped})
}

type emailJSONRequest struct {
	OrgID   string          `json:"orgId"`
	OrgName string          `json:"orgName,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Rows    json.RawMessage `json:"rows,omitempty"`
}

type emailResponse struct {
	Success   bool   `json:"success"`
	Kind      string `json:"kind"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors,omitempty"`
	Epoch     int64  `json:"epoch,omitempty"`
	Finalized bool   `json:"finalized,omitempty"`
}

// emailIngest accepts one roster file (multipart) or inline JSON rows from
// the mailbox channel. Upsert uploads represent a full snapshot, so they
// always run the complete begin-reconcile-finalize cycle.
func (s *Server) emailIngest(w http.ResponseWriter, r *http.Request) {
	var (
		orgID, orgName string
		kind           ingest.Kind
		rows           []models.UpsertRow
		deltas         []models.DeltaMessage
	)

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			writeBodyError(w, err)
			return
		}
		orgID = r.FormValue("orgId")
		orgName = r.FormValue("orgName")
		k, err := ingest.ParseKind(r.FormValue("kind"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		kind = k

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "file field is required")
			return
		}
		defer file.Close()

		switch kind {
		case ingest.KindUpserts:
			rows, err = ingest.DecodeUpserts(header.Filename, file)
		case ingest.KindDeltas:
			deltas, err = ingest.DecodeDeltas(header.Filename, file)
		}
		if err != nil {
			if errors.Is(err, ingest.ErrUnsupportedFormat) {
				writeError(w, http.StatusBadRequest, "unsupported_format", err.Error())
				return
			}
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	} else {
		var req emailJSONRequest
		if !decodeJSONBody(w, r, &req) {
			return
		}
		orgID = req.OrgID
		orgName = req.OrgName
		k, err := ingest.ParseKind(req.Kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		kind = k
		if len(req.Rows) > 0 {
			switch kind {
			case ingest.KindUpserts:
				err = json.Unmarshal(req.Rows, &rows)
			case ingest.KindDeltas:
				err = json.Unmarshal(req.Rows, &deltas)
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("decode rows: %v", err))
				return
			}
		}
	}

	if orgID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}

	ctx := r.Context()
	switch kind {
	case ingest.KindDeltas:
		res, err := s.Deltas.Apply(ctx, orgID, deltas, models.SourceEmailDelta)
		if err != nil {
			s.serverError(w, "delta apply failed", err)
			return
		}
		writeJSON(w, http.StatusOK, emailResponse{
			Success:   true,
			Kind:      string(kind),
			Processed: res.Processed,
			Skipped:   res.Skipped,
		})
	default:
		epoch, err := s.Epochs.BeginRun(ctx, orgID, orgName)
		if err != nil {
			s.serverError(w, "begin run failed", err)
			return
		}
		res, err := s.Reconciler.Reconcile(ctx, orgID, rows, epoch, models.SourceEmailUpsert)
		if errors.Is(err, reconcile.ErrCircuitOpen) {
			writeError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
			return
		}
		if err != nil {
			s.serverError(w, "reconcile failed", err)
			return
		}
		// A mailbox file is a whole snapshot: close the epoch right away.
		if _, err := s.Finalizer.FinalizeRun(ctx, orgID, epoch); err != nil {
			s.serverError(w, "finalize failed", err)
			return
		}
		writeJSON(w, http.StatusOK, emailResponse{
			Success:   true,
			Kind:      string(kind),
			Processed: res.Processed,
			Skipped:   res.Skipped,
			Errors:    res.Errors,
			Epoch:     epoch,
			Finalized: true,
		})
	}
}

type orgResponse struct {
	OrgID string `json:"orgId"`
	models.Organization
	PresentCount int64 `json:"presentCount"`
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["orgId"]
	ctx := r.Context()

	org, err := s.Store.GetOrganization(ctx, orgID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("organization %s", orgID))
		return
	}
	if err != nil {
		s.serverError(w, "organization read failed", err)
		return
	}
	count, err := s.Store.CountPresent(ctx, orgID)
	if err != nil {
		s.serverError(w, "present count failed", err)
		return
	}
	writeJSON(w, http.StatusOK, orgResponse{OrgID: orgID, Organization: *org, PresentCount: count})
}

func (s *Server) getEmployee(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orgID := vars["orgId"]
	email := roster.NormalizeEmail(vars["email"])

	doc, err := s.Store.GetEmployeeByEmail(r.Context(), orgID, email)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("employee %s in %s", email, orgID))
		return
	}
	if err != nil {
		s.serverError(w, "employee read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) serverError(w http.ResponseWriter, msg string, err error) {
	s.Log.Error("request_failed", slog.String("reason", msg), slog.Any("err", err))
	writeError(w, http.StatusInternalServerError, "internal", msg)
}

// decodeJSONBody reads a capped JSON body into dst, answering the request
// itself on failure. Returns false when the caller should stop.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeBodyError(w, err)
		return false
	}
	return true
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large",
			fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("decode body: %v", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
