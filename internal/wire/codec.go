// Package wire round-trips raw binary key material through a JSON-oriented
// store. Binary leaves are wrapped in a tagged envelope so they can never be
// confused with adjacent base64-looking strings or length-prefixed buffers
// once they come back out.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const binaryKind = "binary"

type envelope struct {
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// Binary is raw key material. It marshals as {"kind":"binary","payload":b64}
// and must come back byte-for-byte identical.
type Binary []byte

func (b Binary) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		Kind:    binaryKind,
		Payload: base64.StdEncoding.EncodeToString(b),
	})
}

func (b *Binary) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("wire: decode binary envelope: %w", err)
	}
	if env.Kind != binaryKind {
		return fmt.Errorf("wire: expected %q envelope, got %q", binaryKind, env.Kind)
	}
	raw, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return fmt.Errorf("wire: decode binary payload: %w", err)
	}
	*b = raw
	return nil
}

// Wrap walks v depth-first and replaces every binary leaf with its tagged
// envelope. Maps and slices are rebuilt structurally; scalars pass through
// untouched.
func Wrap(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Binary:
		return map[string]any{"kind": binaryKind, "payload": base64.StdEncoding.EncodeToString(t)}
	case []byte:
		return map[string]any{"kind": binaryKind, "payload": base64.StdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Wrap(val)
		}
		return out
	case Tree:
		return Wrap(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Wrap(val)
		}
		return out
	default:
		return v
	}
}

// Unwrap reverses Wrap, restoring tagged envelopes to Binary leaves. A map
// that merely resembles an envelope but fails to decode is left alone.
func Unwrap(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if raw, ok := unwrapEnvelope(t); ok {
			return raw
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Unwrap(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Unwrap(val)
		}
		return out
	default:
		return v
	}
}

func unwrapEnvelope(m map[string]any) (Binary, bool) {
	if len(m) != 2 {
		return nil, false
	}
	if kind, _ := m["kind"].(string); kind != binaryKind {
		return nil, false
	}
	payload, ok := m["payload"].(string)
	if !ok {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	return Binary(raw), true
}

// Tree is a free-form JSON object that may contain raw binary leaves at any
// depth, e.g. platform metadata handed over by the protocol layer. It wraps
// them on the way out and restores them on the way in.
type Tree map[string]any

func (t Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(Wrap(map[string]any(t)))
}

func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m, ok := Unwrap(raw).(map[string]any)
	if !ok {
		return fmt.Errorf("wire: tree is not an object")
	}
	*t = Tree(m)
	return nil
}
