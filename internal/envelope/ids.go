package envelope

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is usable as a session id. Colons are
// excluded so event ids can be split unambiguously.
func ValidSessionID(id string) bool { return sessionIDPattern.MatchString(id) }

// PrimaryID is the event id of a published event.
func PrimaryID(session string, seq uint64) string {
	return session + ":" + strconv.FormatUint(seq, 10)
}

// LocalID is the event id of a connection-local envelope emitted after the
// connection delivered watermark.
func LocalID(session string, watermark uint64, t Type) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return session + ":" + strconv.FormatUint(watermark, 10) + ":" + t.String() + "-" + suffix
}

// ResumeSequence extracts the last delivered sequence from a Last-Event-ID
// value. A bare integer is taken as the sequence; otherwise the second
// colon-separated field is used.
func ResumeSequence(lastEventID string) (uint64, bool) {
	v := strings.TrimSpace(lastEventID)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return n, true
	}
	parts := strings.SplitN(v, ":", 3)
	if len(parts) < 2 {
		return 0, false
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsPrimaryID reports whether id names a published event rather than an
// envelope a connection emitted on its own.
func IsPrimaryID(id string) bool { return strings.Count(id, ":") == 1 }
