package controllers

import (
	"github.com/rzbill/streamd/internal/buffer"
)

// publishReq is the body of a diagnostic publish.
type publishReq struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Metadata  map[string]any `json:"metadata"`
}

// gapsResp is the answer to a gap query.
type gapsResp struct {
	SessionID string       `json:"session_id"`
	From      uint64       `json:"from_seq"`
	To        uint64       `json:"to_seq"`
	Gaps      []buffer.Gap `json:"gaps"`
}

// controlResp reports a pause or resume.
type controlResp struct {
	SessionID string `json:"session_id"`
	Affected  int    `json:"affected"`
}
