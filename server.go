package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"i4.energy/across/loractl/modem"
)

// Commander runs commands on the module. *modem.Dispatcher implements it.
type Commander interface {
	Exec(ctx context.Context, cmd string, timeout time.Duration) (modem.Response, error)
	Stats() modem.Statistics
}

// Server handles incoming HTTP requests for interacting with the
// open module session
type Server struct {
	Logger *slog.Logger
	Modem  Commander
	// Timeout is used when a request does not carry its own
	Timeout time.Duration
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	resp := ErrorResponse{Message: message}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// handleCommand sends one AT command and returns the lines the module
// answered with
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	type CommandRequest struct {
		Command   string `json:"command"`
		TimeoutMS int    `json:"timeout_ms"`
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Command == "" {
		s.sendError(w, "'command' field is required", http.StatusBadRequest)
		return
	}
	if req.TimeoutMS < 0 {
		s.sendError(w, "'timeout_ms' must not be negative", http.StatusBadRequest)
		return
	}

	timeout := s.Timeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	resp, err := s.Modem.Exec(r.Context(), req.Command, timeout)
	switch {
	case errors.Is(err, modem.ErrInvalidCommand):
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, modem.ErrAlreadyClosed), errors.Is(err, modem.ErrNotActive), errors.Is(err, modem.ErrTransportIO):
		s.Logger.Error("Module unavailable", "error", err, "command", req.Command)
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		s.Logger.Error("Failed to execute command", "error", err, "command", req.Command)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if resp.Lines == nil {
		resp.Lines = []string{}
	}
	s.Logger.Info("Command executed", "command", req.Command, "lines", len(resp.Lines), "timed_out", resp.TimedOut)
	s.sendJSON(w, resp)
}

// handleStats reports the session traffic counters
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	type StatsResponse struct {
		modem.Statistics
		UptimeSeconds float64 `json:"uptime_seconds"`
	}

	st := s.Modem.Stats()
	s.sendJSON(w, StatsResponse{Statistics: st, UptimeSeconds: st.Uptime().Seconds()})
}
