package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/soportecyclops/tienda21/internal/requestctx"
	"github.com/soportecyclops/tienda21/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
		"providers": s.providers,
	}
	if open, err := s.sessions.CountOpen(r.Context()); err == nil {
		resp["open_sessions"] = open
	} else {
		log.Error().Err(err).Msg("status_session_count_failed")
		resp["open_sessions"] = nil
	}
	if s.catalog != nil {
		if n, err := s.catalog.Count(r.Context()); err == nil {
			resp["catalog_products"] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.GetByID(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionCloseRequest struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
}

// handleSessionClose lets an operator resolve a handoff: the open session for
// the pair is closed, so the next message starts a fresh one.
func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req sessionCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Channel = strings.TrimSpace(req.Channel)
	if req.UserID == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id and channel are required")
		return
	}

	err := s.sessions.CloseSession(r.Context(), req.UserID, req.Channel)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no open session for that user and channel")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	log.Info().
		Str("caller", requestctx.Caller(r.Context())).
		Str("user_id", req.UserID).
		Str("channel", req.Channel).
		Msg("session_closed_by_operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
