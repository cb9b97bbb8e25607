package eventlog

import "encoding/binary"

var (
	sessionPrefix = []byte("ss/")
	indexPrefix   = []byte("ssidx/")
	metaSuffix    = []byte("/m")
	trimSuffix    = []byte("/t")
	entrySeg      = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func sessionKey(session string, suffix []byte, extra int) []byte {
	k := make([]byte, 0, len(sessionPrefix)+len(session)+len(suffix)+extra)
	k = append(k, sessionPrefix...)
	k = append(k, session...)
	return append(k, suffix...)
}

// KeyLatest holds the latest appended sequence of a session.
func KeyLatest(session string) []byte { return sessionKey(session, metaSuffix, 0) }

// KeyTrimmed holds the highest sequence removed by retention.
func KeyTrimmed(session string) []byte { return sessionKey(session, trimSuffix, 0) }

// KeyEntry builds an entry key; the big-endian sequence keeps entries ordered.
func KeyEntry(session string, seq uint64) []byte {
	return appendBE8(sessionKey(session, entrySeg, 8), seq)
}

// KeyEntryPrefix is the common prefix of every entry in a session.
func KeyEntryPrefix(session string) []byte { return sessionKey(session, entrySeg, 0) }

func keyIndex(session string) []byte {
	k := make([]byte, 0, len(indexPrefix)+len(session))
	return append(append(k, indexPrefix...), session...)
}

func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func decodeBE8(v []byte) uint64 {
	if len(v) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v[:8])
}
