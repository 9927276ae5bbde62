package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/engramd/engram/internal/pipeline"
	"github.com/engramd/engram/internal/record"
)

// credentialHeader carries the caller's envelope credential on reads of
// sensitive records.
const credentialHeader = "X-Engram-Credential"

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner       string   `json:"owner"`
		Payload     []byte   `json:"payload"`
		Sensitive   bool     `json:"sensitive"`
		Weight      int      `json:"weight"`
		Credentials [][]byte `json:"credentials"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, `{"error":"owner required"}`, http.StatusBadRequest)
		return
	}

	id, err := s.ctrl.Ingest(r.Context(), req.Owner, req.Payload, pipeline.IngestOptions{
		Sensitive:   req.Sensitive,
		Weight:      req.Weight,
		Credentials: req.Credentials,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")

	var credential []byte
	if v := r.Header.Get(credentialHeader); v != "" {
		credential = []byte(v)
	}

	payload, err := s.ctrl.Read(r.Context(), owner, id, credential)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      id,
		"owner":   owner,
		"payload": payload,
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	id := chi.URLParam(r, "id")

	if err := s.ctrl.Delete(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	moved, err := s.ctrl.PromoteEligible(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"moved": moved})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.ctrl.Stats())
}

// writeError maps the pipeline's error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, record.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, record.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, record.ErrCorrupted):
		// The record is purged once corruption is detected, so the loss
		// is permanent.
		status = http.StatusGone
	case errors.Is(err, record.ErrMalformedEnvelope):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, record.ErrCapacityFull):
		status = http.StatusInsufficientStorage
	case errors.Is(err, record.ErrTimeout):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
