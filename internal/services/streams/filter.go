package streamsvc

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/envelope"
)

// eventFilter wraps a compiled CEL program evaluated against each published
// envelope before it is queued on a connection. An empty expression admits
// everything.
type eventFilter struct {
	prog    cel.Program
	enabled bool
}

func newEventFilter(expr string, maxSize int) (eventFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return eventFilter{}, nil
	}
	if maxSize > 0 && len(expr) > maxSize {
		return eventFilter{}, fmt.Errorf("%w: expression longer than %d bytes", ErrInvalidFilter, maxSize)
	}
	env, err := cel.NewEnv(
		cel.Variable("session", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return eventFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return eventFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return eventFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, iss2.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return eventFilter{}, fmt.Errorf("%w: expression must evaluate to bool", ErrInvalidFilter)
	}
	prog, err := env.Program(checked)
	if err != nil {
		return eventFilter{}, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return eventFilter{prog: prog, enabled: true}, nil
}

// Eval reports whether env passes. Evaluation errors, such as a missing
// payload key, exclude the event.
func (f eventFilter) Eval(env envelope.Envelope) bool {
	if !f.enabled {
		return true
	}
	payload := env.Payload()
	if payload == nil {
		payload = map[string]any{}
	}
	metadata := env.Metadata()
	if metadata == nil {
		metadata = map[string]any{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"session":    env.SessionID(),
		"sequence":   int64(env.Sequence()),
		"event_type": env.Type().String(),
		"category":   env.Type().Category().String(),
		"ts_ms":      env.Timestamp().UnixMilli(),
		"payload":    payload,
		"metadata":   metadata,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Func adapts the filter to the connection handler; nil when disabled.
func (f eventFilter) Func() connection.Filter {
	if !f.enabled {
		return nil
	}
	return f.Eval
}
