package envelope

import "fmt"

// Category groups event types for routing and display decisions.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryLifecycle
	CategoryReplay
	CategoryData
	CategoryDomain
	CategoryControl
	CategoryError
)

var categoryNames = [...]string{"unknown", "lifecycle", "replay", "data", "domain", "control", "error"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// Type is the closed set of event types.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeHandshakeStart
	TypeHandshakeComplete
	TypeKeepalive
	TypeConnectionClose
	TypeReplayStart
	TypeReplayEvent
	TypeReplayEnd
	TypeData
	TypeUpdate
	TypeInsert
	TypeDelete
	TypeEngineStart
	TypeEngineComplete
	TypeEngineError
	TypeStageActivation
	TypeFlagChange
	TypePause
	TypeResume
	TypeBackpressure
	TypeError
	TypeWarning
	typeCount
)

var typeTable = [typeCount]struct {
	tag      string
	category Category
}{
	TypeUnknown:           {"unknown", CategoryUnknown},
	TypeHandshakeStart:    {"handshake-start", CategoryLifecycle},
	TypeHandshakeComplete: {"handshake-complete", CategoryLifecycle},
	TypeKeepalive:         {"keepalive", CategoryLifecycle},
	TypeConnectionClose:   {"connection-close", CategoryLifecycle},
	TypeReplayStart:       {"replay-start", CategoryReplay},
	TypeReplayEvent:       {"replay-event", CategoryReplay},
	TypeReplayEnd:         {"replay-end", CategoryReplay},
	TypeData:              {"data", CategoryData},
	TypeUpdate:            {"update", CategoryData},
	TypeInsert:            {"insert", CategoryData},
	TypeDelete:            {"delete", CategoryData},
	TypeEngineStart:       {"engine-start", CategoryDomain},
	TypeEngineComplete:    {"engine-complete", CategoryDomain},
	TypeEngineError:       {"engine-error", CategoryDomain},
	TypeStageActivation:   {"stage-activation", CategoryDomain},
	TypeFlagChange:        {"flag-change", CategoryDomain},
	TypePause:             {"pause", CategoryControl},
	TypeResume:            {"resume", CategoryControl},
	TypeBackpressure:      {"backpressure", CategoryControl},
	TypeError:             {"error", CategoryError},
	TypeWarning:           {"warning", CategoryError},
}

var typeByTag = func() map[string]Type {
	m := make(map[string]Type, typeCount)
	for t := Type(1); t < typeCount; t++ {
		m[typeTable[t].tag] = t
	}
	return m
}()

// ParseType resolves a wire tag such as "replay-event".
func ParseType(tag string) (Type, error) {
	if t, ok := typeByTag[tag]; ok {
		return t, nil
	}
	return TypeUnknown, fmt.Errorf("envelope: unknown event type %q", tag)
}

// Valid reports whether t is a member of the taxonomy.
func (t Type) Valid() bool { return t > TypeUnknown && t < typeCount }

// String returns the wire tag.
func (t Type) String() string {
	if t < typeCount {
		return typeTable[t].tag
	}
	return typeTable[TypeUnknown].tag
}

func (t Type) Category() Category {
	if t < typeCount {
		return typeTable[t].category
	}
	return CategoryUnknown
}

func (t Type) IsLifecycle() bool { return t.Category() == CategoryLifecycle }
func (t Type) IsReplay() bool    { return t.Category() == CategoryReplay }
func (t Type) IsData() bool      { return t.Category() == CategoryData }
func (t Type) IsDomain() bool    { return t.Category() == CategoryDomain }
func (t Type) IsControl() bool   { return t.Category() == CategoryControl }
func (t Type) IsError() bool     { return t.Category() == CategoryError }

// Publishable reports whether events of this type may be injected by
// publishers. Lifecycle and replay envelopes are produced by connections.
func (t Type) Publishable() bool {
	return t.Valid() && !t.IsLifecycle() && !t.IsReplay()
}

func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("envelope: invalid event type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
