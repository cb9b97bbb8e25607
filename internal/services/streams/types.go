package streamsvc

import (
	"time"

	"github.com/rzbill/streamd/internal/buffer"
	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/envelope"
	"github.com/rzbill/streamd/internal/middleware"
)

// PublishRequest is one event to inject into a session.
type PublishRequest struct {
	Type     envelope.Type
	Payload  map[string]any
	Metadata map[string]any
}

// ConnectRequest carries an admitted stream request.
type ConnectRequest struct {
	Admission *middleware.Request
	// LastEventID is the client's Last-Event-ID header, if any.
	LastEventID string
	// Filter is an optional CEL expression over published events.
	Filter string
	Sink   connection.Sink
}

// ConnectionStatus describes one live connection.
type ConnectionStatus struct {
	ID            string    `json:"connection_id"`
	State         string    `json:"state"`
	Queued        int       `json:"queued"`
	EventsSent    uint64    `json:"events_sent"`
	Watermark     uint64    `json:"last_sequence"`
	OpenedAt      time.Time `json:"opened_at"`
	LastWriteAt   time.Time `json:"last_write_at,omitempty"`
	LastKeepalive time.Time `json:"last_keepalive,omitempty"`
}

// SessionStatus is the answer to a status query.
type SessionStatus struct {
	SessionID         string             `json:"session_id"`
	ActiveConnections int                `json:"active_connections"`
	MaxConnections    int                `json:"max_connections"`
	TotalEventsSent   uint64             `json:"total_events_sent"`
	TotalReconnects   uint64             `json:"total_reconnects"`
	LatestSequence    uint64             `json:"latest_sequence"`
	BufferMin         uint64             `json:"buffer_min_sequence"`
	BufferMax         uint64             `json:"buffer_max_sequence"`
	CreatedAt         time.Time          `json:"created_at,omitempty"`
	Connections       []ConnectionStatus `json:"connections"`
}

// Health is the aggregate liveness report.
type Health struct {
	Status          string `json:"status"`
	Sessions        int    `json:"sessions"`
	Connections     int    `json:"connections"`
	BufferedEvents  int    `json:"buffered_events"`
	BufferSessions  int    `json:"buffer_sessions"`
	SequenceBackend string `json:"sequence_strategy"`
	Error           string `json:"error,omitempty"`
}

// MaintenanceReport totals one maintenance pass.
type MaintenanceReport struct {
	BufferEvicted  int
	StorePruned    int
	StaleClosed    int
	RecordsSwept   int
	BucketsDropped int
	HealthErr      error
}

// ReplayResponse is the non-streaming replay: the same envelopes a
// reconnecting client would receive, framed by replay-start and replay-end.
type ReplayResponse struct {
	Envelopes []envelope.Envelope
	Gaps      []buffer.Gap
	Truncated bool
}
