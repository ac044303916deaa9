package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/profile"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("failed to count profiles", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count profiles")
		return
	}

	stats := s.submitter.Stats()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       stats.Workers,
		QueueDepth:    stats.QueueDepth,
		Profiles:      len(records),
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /profiles. The request is queued for the
// profile's worker; with ?wait=1 the handler blocks until the outcome
// signal arrives.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.ProfileID < 0 {
		s.writeError(w, http.StatusBadRequest, "profile_id must not be negative")
		return
	}

	req := &profile.Request{
		ProfileID:             body.ProfileID,
		Action:                profile.ActionUpsert,
		Name:                  body.Name,
		Type:                  body.Type,
		Source:                body.Source,
		DisplaySource:         body.DisplaySource,
		RefreshIntervalMillis: body.RefreshIntervalMillis,
	}

	s.submitOrWait(w, r, req)
}

// handleRemove handles DELETE /profiles/{id}.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}

	req := &profile.Request{ProfileID: id, Action: profile.ActionRemove}
	s.submitOrWait(w, r, req)
}

// submitOrWait enqueues req and either returns 202 immediately or, for
// ?wait=1, blocks until the terminal signal.
func (s *Server) submitOrWait(w http.ResponseWriter, r *http.Request, req *profile.Request) {
	wait := r.URL.Query().Get("wait") == "1" || r.URL.Query().Get("wait") == "true"
	if wait {
		req.Completion = profile.NewCompletion()
	}

	start := time.Now()
	s.submitter.Enqueue(req)
	s.hub.Publish(events.TypeRequestSubmitted, map[string]any{
		"profile_id": req.ProfileID,
		"action":     req.Action,
	})

	if !wait {
		respondJSON(w, http.StatusAccepted, SubmitResponse{
			ProfileID: req.ProfileID,
			Status:    "queued",
		})
		return
	}

	deadline := time.NewTimer(s.config.MaxSyncWait)
	defer deadline.Stop()

	for {
		select {
		case sig := <-req.Completion:
			if !sig.Terminal() {
				continue
			}
			status := http.StatusOK
			if sig.State == profile.SignalFailed {
				status = http.StatusUnprocessableEntity
			}
			respondJSON(w, status, SyncResponse{
				ProfileID:  req.ProfileID,
				Status:     string(sig.State),
				Message:    sig.Message,
				DurationMs: time.Since(start).Milliseconds(),
			})
			return
		case <-deadline.C:
			respondJSON(w, http.StatusAccepted, SyncResponse{
				ProfileID:  req.ProfileID,
				Status:     "queued",
				Message:    "request still processing after wait timeout",
				DurationMs: time.Since(start).Milliseconds(),
			})
			return
		case <-r.Context().Done():
			return
		}
	}
}

// handleActivate handles POST /profiles/{id}/activate.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}

	if err := s.activator.Activate(r.Context(), id); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		s.logger.Error("failed to activate profile", "profile_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to activate profile")
		return
	}

	respondJSON(w, http.StatusOK, SubmitResponse{ProfileID: id, Status: "active"})
}

// handleList handles GET /profiles.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.All(r.Context())
	if err != nil {
		s.logger.Error("failed to list profiles", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list profiles")
		return
	}
	if records == nil {
		records = []*profile.Record{}
	}
	respondJSON(w, http.StatusOK, ProfileListResponse{Profiles: records})
}

// handleGetActive handles GET /profiles/active.
func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetActive(r.Context())
	if err != nil {
		s.logger.Error("failed to load active profile", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load active profile")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "no active profile")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleGet handles GET /profiles/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid profile id")
		return
	}

	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load profile", "profile_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load profile")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("id must be positive")
	}
	return id, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
