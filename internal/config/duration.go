package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" in files. Bare JSON numbers
// are read as milliseconds.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		p, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("config: duration %q: %w", x, err)
		}
		*d = Duration(p)
	default:
		return fmt.Errorf("config: invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	p, err := time.ParseDuration(s)
	if err != nil {
		var ms int64
		if nerr := n.Decode(&ms); nerr == nil {
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		return fmt.Errorf("config: duration %q: %w", s, err)
	}
	*d = Duration(p)
	return nil
}
