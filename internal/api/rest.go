package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"treewatch/internal/logging"
	"treewatch/internal/version"
	"treewatch/internal/watcher"
)

type healthResponse struct {
	Status          string              `json:"status"`
	State           string              `json:"state"`
	Roots           []string            `json:"roots"`
	ActiveWatches   int                 `json:"active_watches"`
	PendingMoves    int                 `json:"pending_moves"`
	EventsDelivered uint64              `json:"events_delivered"`
	Overflows       uint64              `json:"overflows"`
	Resyncs         uint64              `json:"resyncs"`
	Errors          uint64              `json:"errors"`
	LastSequence    uint64              `json:"last_sequence"`
	Version         version.VersionInfo `json:"version"`
}

type historyResponse struct {
	Events []EventPayload `json:"events"`
}

type logsResponse struct {
	Entries []logging.Entry `json:"entries"`
}

// handleHealth answers 200 while the tree is ready or resyncing and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if s.options.Status == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "watcher unavailable"}
	}
	stats := s.options.Status.Metrics()
	response := healthResponse{
		Status:          "ok",
		State:           stats.State.String(),
		Roots:           s.options.Status.Roots(),
		ActiveWatches:   stats.ActiveWatches,
		PendingMoves:    stats.PendingMoves,
		EventsDelivered: stats.EventsDelivered,
		Overflows:       stats.Overflows,
		Resyncs:         stats.Resyncs,
		Errors:          stats.Errors,
		LastSequence:    stats.LastSequence,
		Version:         version.GetVersionInfo(),
	}
	status := http.StatusOK
	switch stats.State {
	case watcher.StateReady:
	case watcher.StateResyncing:
		response.Status = "resyncing"
	default:
		response.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
	return nil
}

// handleEventHistory returns the retained events, oldest first. kinds filters them and
// limit keeps only the newest matches.
func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if s.options.Bus == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "event stream unavailable"}
	}
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	payloads := newEventPayloads(s.options.Bus.DumpHistory(kinds...))
	if limit > 0 && len(payloads) > limit {
		payloads = payloads[len(payloads)-limit:]
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: payloads})
	return nil
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	var minLevel logging.Level
	if raw := r.URL.Query().Get("level"); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf("unknown level %q", raw)}
		}
		minLevel = level
	}
	entries := s.options.Logger.Recent(minLevel)
	if entries == nil {
		entries = []logging.Entry{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Entries: entries})
	return nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", raw)
	}
	return limit, nil
}
