package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/middleware"
	"github.com/rzbill/streamd/internal/replay"
	streamsvc "github.com/rzbill/streamd/internal/services/streams"
)

// Helper functions for common HTTP responses

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorKind(w, status, "", message)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": message}
	if kind != "" {
		body["kind"] = kind
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeAdmission answers a refused stream request.
func writeAdmission(w http.ResponseWriter, ae *middleware.AdmissionError) {
	if ra := ae.RetryAfterSeconds(); ra != "" {
		w.Header().Set("Retry-After", ra)
	}
	msg := ae.Message
	if msg == "" {
		msg = string(ae.Kind)
	}
	writeErrorKind(w, ae.HTTPStatus(), string(ae.Kind), msg)
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	if ae, ok := middleware.AsAdmission(err); ok {
		writeAdmission(w, ae)
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, streamsvc.ErrInvalidSessionID),
		errors.Is(err, streamsvc.ErrNotPublishable),
		errors.Is(err, streamsvc.ErrInvalidFilter):
		status = http.StatusBadRequest
	case errors.Is(err, streamsvc.ErrSessionNotFound),
		errors.Is(err, streamsvc.ErrNoConnections):
		status = http.StatusNotFound
	case errors.Is(err, replay.ErrReplayInProgress),
		errors.Is(err, connection.ErrClosed):
		status = http.StatusConflict
	case errors.Is(err, streamsvc.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// parseSeq parses an optional sequence query value; empty means zero.
func parseSeq(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseLimit parses a limit string and returns a valid limit value.
//
// Returns 0 for empty strings or invalid values.
func parseLimit(limitStr string) int {
	if limitStr == "" {
		return 0
	}
	if limit, err := strconv.Atoi(limitStr); err == nil && limit > 0 {
		return limit
	}
	return 0
}

// formatGaps renders gaps as "1-3,7-9" for the X-Replay-Gaps header.
func formatGaps(gaps []buffer.Gap) string {
	parts := make([]string, len(gaps))
	for i, g := range gaps {
		parts[i] = g.String()
	}
	return strings.Join(parts, ",")
}
