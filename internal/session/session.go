// Package session persists session and connection records. A session is
// created on the first stream request for its id and is updated on every
// connection state change; records are only removed by Delete.
package session

import (
	"time"
)

// Status is the persisted lifecycle status of a connection.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHandshaking  Status = "handshaking"
	StatusConnected    Status = "connected"
	StatusReplaying    Status = "replaying"
	StatusPaused       Status = "paused"
	StatusBackpressure Status = "backpressure"
	StatusClosing      Status = "closing"
	StatusClosed       Status = "closed"
	StatusError        Status = "error"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusError }

// Connection is one client connection of a session.
type Connection struct {
	ID             string    `cbor:"id" json:"id"`
	Status         Status    `cbor:"status" json:"status"`
	OpenedAt       time.Time `cbor:"opened_at" json:"opened_at"`
	LastKeepalive  time.Time `cbor:"last_keepalive" json:"last_keepalive"`
	LastAckSeq     uint64    `cbor:"last_ack_seq" json:"last_ack_seq"`
	ReconnectCount int       `cbor:"reconnects" json:"reconnect_count"`
	EventsSent     uint64    `cbor:"events_sent" json:"events_sent"`
	ClientIP       string    `cbor:"client_ip,omitempty" json:"client_ip,omitempty"`
	ClientVersion  string    `cbor:"client_version,omitempty" json:"client_version,omitempty"`
	ClosedAt       time.Time `cbor:"closed_at,omitempty" json:"closed_at,omitempty"`
	CloseReason    string    `cbor:"close_reason,omitempty" json:"close_reason,omitempty"`
}

// Record is the persisted state of a session.
type Record struct {
	ID              string       `cbor:"id" json:"session_id"`
	CreatedAt       time.Time    `cbor:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `cbor:"updated_at" json:"updated_at"`
	TotalEventsSent uint64       `cbor:"events_sent" json:"total_events_sent"`
	TotalReconnects uint64       `cbor:"reconnects" json:"total_reconnects"`
	Connections     []Connection `cbor:"connections" json:"connections"`
}

// Active counts connections that have not reached a terminal status.
func (r *Record) Active() int {
	n := 0
	for i := range r.Connections {
		if !r.Connections[i].Status.Terminal() {
			n++
		}
	}
	return n
}

// Connection returns a pointer into r for the given id, or nil.
func (r *Record) Connection(id string) *Connection {
	for i := range r.Connections {
		if r.Connections[i].ID == id {
			return &r.Connections[i]
		}
	}
	return nil
}

// maxClosedKept bounds how many terminal connections a record retains.
const maxClosedKept = 20

// compact drops the oldest terminal connections beyond maxClosedKept and
// returns their ids.
func (r *Record) compact() []string {
	closed := len(r.Connections) - r.Active()
	if closed <= maxClosedKept {
		return nil
	}
	drop := closed - maxClosedKept
	var dropped []string
	kept := r.Connections[:0]
	for _, c := range r.Connections {
		if drop > 0 && c.Status.Terminal() {
			drop--
			dropped = append(dropped, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	r.Connections = kept
	return dropped
}
