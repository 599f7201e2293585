package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lox/pokerclock/internal/auth"
)

const maxRequestBody = 4096

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

func (s *Server) handleListTournaments(w http.ResponseWriter, _ *http.Request) {
	tournaments := s.registry.List()
	out := make([]TournamentSummary, 0, len(tournaments))
	for _, t := range tournaments {
		out = append(out, t.Summary())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTournament(w http.ResponseWriter, r *http.Request) {
	t, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown tournament")
		return
	}

	schedule := t.Engine.Schedule()
	writeJSON(w, http.StatusOK, TournamentDetail{
		TournamentSummary: t.Summary(),
		Levels:            schedule,
		TotalLength:       int(schedule.TotalDuration().Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	t, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown tournament")
		return
	}
	writeJSON(w, http.StatusOK, t.Engine.Stats())
}

// handleCommand applies POST /api/tournaments/{id}/clock/{command}. The body
// is optional and may carry "level" and "seconds".
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	t, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown tournament")
		return
	}

	var data CommandData
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&data); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_message", "Failed to parse command body")
		return
	}
	data.Command = Command(r.PathValue("command"))

	director, err := s.authorize(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		code, status := errorCode(err)
		s.logger.Warn("Command not authorized", "tournament", t.ID, "command", data.Command, "code", code, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	state, err := Execute(t.Engine, data)
	if err != nil {
		code, status := errorCode(err)
		s.logger.Info("Command rejected", "tournament", t.ID, "command", data.Command, "code", code, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	s.logger.Info("Command applied", "tournament", t.ID, "command", data.Command, "director", directorName(director), "status", state.Status, "level", state.CurrentLevelIndex)
	writeJSON(w, http.StatusOK, CommandResultData{Command: data.Command, State: state})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorData{Code: code, Message: message})
}

func directorName(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.Name
}
