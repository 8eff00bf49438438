// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/teradata-labs/foreman/internal/version"
	"github.com/teradata-labs/foreman/pkg/tickets"
	"github.com/teradata-labs/foreman/pkg/types"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("POST /agents/{id}/command", s.handleCommandAgent)
	mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("POST /tickets", s.handleCreateTicket)
	mux.HandleFunc("GET /tickets", s.handleListTickets)
	mux.HandleFunc("GET /tickets/{id}", s.handleGetTicket)
	mux.HandleFunc("POST /tickets/{id}/move", s.handleMoveTicket)

	mux.HandleFunc("GET /ws", s.hub.HandleWS)
	mux.Handle("GET /events/stream", s.hub.SSEHandler())
}

// errorBody is the error response shape. It carries enough context (agent
// id, last known sequence) for a client to drive a manual resync.
type errorBody struct {
	Error   string `json:"error"`
	AgentID string `json:"agent_id,omitempty"`
	LastSeq uint64 `json:"last_seq,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.logger.Error("Failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var verr *types.ValidationError
	var busy *types.AgentBusyError
	var move *tickets.ManualMoveError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &busy):
		status = http.StatusConflict
		body.AgentID = busy.AgentID
	case errors.As(err, &move):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	if seq, seqErr := s.store.LastEventSeq(r.Context()); seqErr == nil {
		body.LastSeq = seq
	}
	s.writeJSON(w, status, body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.writeError(w, r, &types.ValidationError{Field: "body", Reason: "malformed JSON"})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Get(),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.coordinator.HandleUserMessage(r.Context(), req.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleState serves the full canonical snapshot for client resync.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := parseUint(r.URL.Query().Get("since"))
	if err != nil {
		s.writeError(w, r, &types.ValidationError{Field: "since", Reason: "must be a non-negative integer"})
		return
	}
	limit, err := parseUint(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, r, &types.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
		return
	}

	frames, err := s.store.EventsSince(r.Context(), since, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if frames == nil {
		frames = []*types.Frame{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": frames})
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	agents, err := s.store.ListAgents(r.Context(), includeArchived)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*types.Agent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleCommandAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.agents.DispatchCommand(r.Context(), r.PathValue("id"), req.Text); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ticket, err := s.tickets.Create(r.Context(), req.Title, req.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	list, err := s.tickets.List(r.Context(), includeArchived)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*types.Ticket{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tickets": list})
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleMoveTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stage types.TicketStage `json:"stage"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	ticket, err := s.tickets.Move(r.Context(), r.PathValue("id"), req.Stage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ticket)
}
