// Package event models the relay's JSON event envelope,
//
//	{"event": {"<kind>": {...fields}}}
//
// and splits oversized events into transport-sized chunks.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

type Kind string

const (
	KindSessionStart    Kind = "sessionStart"
	KindSessionEnd      Kind = "sessionEnd"
	KindPromptStart     Kind = "promptStart"
	KindPromptEnd       Kind = "promptEnd"
	KindContentStart    Kind = "contentStart"
	KindContentEnd      Kind = "contentEnd"
	KindAudioInput      Kind = "audioInput"
	KindTextInput       Kind = "textInput"
	KindToolResult      Kind = "toolResult"
	KindCompletionStart Kind = "completionStart"
	KindCompletionEnd   Kind = "completionEnd"
	KindAudioOutput     Kind = "audioOutput"
	KindTextOutput      Kind = "textOutput"
	KindToolUse         Kind = "toolUse"
	KindUsageEvent      Kind = "usageEvent"
)

// ContentTypeAudio is the contentStart "type" that opens an audio stream.
const ContentTypeAudio = "AUDIO"

var (
	ErrProtocol     = errors.New("protocol error")
	ErrNoEvent      = errors.New("message has no event field")
	ErrUnsplittable = errors.New("event cannot be split")
)

// Event is one envelope. Fields keeps each field of the kind object as raw
// JSON so unrecognized kinds and fields are forwarded untouched. Extra holds
// top-level envelope keys other than "event".
type Event struct {
	Kind   Kind
	Fields map[string]json.RawMessage
	Extra  map[string]json.RawMessage
}

// New builds an event from arbitrary field values.
func New(kind Kind, fields map[string]any) (Event, error) {
	ev := Event{Kind: kind, Fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s.%s: %w", kind, k, err)
		}
		ev.Fields[k] = b
	}
	return ev, nil
}

// Parse decodes a client or backend message. A message wrapped once as
// {"body": "<json>"} (string or object body) is unwrapped first.
func Parse(data []byte) (Event, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if body, ok := top["body"]; ok {
		inner, err := unwrapBody(body)
		if err != nil {
			return Event{}, err
		}
		top = inner
	}

	rawEvent, ok := top["event"]
	if !ok {
		return Event{}, ErrNoEvent
	}
	var kinds map[string]json.RawMessage
	if err := json.Unmarshal(rawEvent, &kinds); err != nil || kinds == nil {
		return Event{}, fmt.Errorf("%w: event must be an object", ErrProtocol)
	}
	if len(kinds) != 1 {
		return Event{}, fmt.Errorf("%w: event must carry exactly one kind, got %d", ErrProtocol, len(kinds))
	}

	var ev Event
	for k, payload := range kinds {
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(payload, &fields); err != nil {
			return Event{}, fmt.Errorf("%w: %s payload must be an object", ErrProtocol, k)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
		ev = Event{Kind: Kind(k), Fields: fields}
	}
	for k, v := range top {
		if k == "event" {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]json.RawMessage)
		}
		ev.Extra[k] = v
	}
	return ev, nil
}

func unwrapBody(body json.RawMessage) (map[string]json.RawMessage, error) {
	var inner map[string]json.RawMessage
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &inner); err != nil {
			return nil, fmt.Errorf("%w: body: %w", ErrProtocol, err)
		}
		return inner, nil
	}
	if err := json.Unmarshal(body, &inner); err != nil || inner == nil {
		return nil, fmt.Errorf("%w: body must be a JSON string or object", ErrProtocol)
	}
	return inner, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+1)
	for k, v := range e.Extra {
		out[k] = v
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	out["event"] = map[string]any{string(e.Kind): fields}
	return json.Marshal(out)
}

// Size is the encoded length in bytes.
func (e Event) Size() (int, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// String returns a string-typed field.
func (e Event) String(field string) (string, bool) {
	raw, ok := e.Fields[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// WithField returns a copy of e with one field replaced. e is not modified.
func (e Event) WithField(name string, value any) (Event, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s.%s: %w", e.Kind, name, err)
	}
	out := Event{Kind: e.Kind, Fields: maps.Clone(e.Fields), Extra: maps.Clone(e.Extra)}
	if out.Fields == nil {
		out.Fields = make(map[string]json.RawMessage, 1)
	}
	out.Fields[name] = b
	return out, nil
}

// ErrorFrame is what the client receives when one of its messages could not
// be handled.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Message: msg}
}
