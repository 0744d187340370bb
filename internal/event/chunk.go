package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/siwachabhi/sonic-relay/internal/logx"
)

const (
	// DefaultMaxSize is the largest encoded event forwarded as a single frame.
	DefaultMaxSize = 10000

	// chunkMargin is held back from every chunk on top of the envelope overhead.
	chunkMargin = 100

	// base64Group is the number of base64 characters that encode three bytes.
	base64Group = 4
)

// Split breaks an event whose encoding exceeds maxSize into several copies,
// each carrying a consecutive piece of the "content" field. Events that fit
// are returned as a single-element slice holding ev itself.
//
// Chunks carry no sequence numbers; the receiver reassembles by concatenating
// content in delivery order, so the transport must preserve message order.
//
// When an oversized event cannot be split it is returned unsplit together
// with an error wrapping ErrUnsplittable. The slice is usable either way.
func Split(ev Event, maxSize int) ([]Event, error) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= maxSize {
		return []Event{ev}, nil
	}

	content, ok := ev.String("content")
	if !ok || content == "" {
		return []Event{ev}, fmt.Errorf("%w: %s event is %d bytes and has no content to split", ErrUnsplittable, ev.Kind, len(encoded))
	}

	template, err := ev.WithField("content", "")
	if err != nil {
		return nil, err
	}
	overhead, err := template.Size()
	if err != nil {
		return nil, err
	}
	budget := maxSize - overhead - chunkMargin

	var pieces []string
	if ev.Kind == KindAudioOutput {
		// Cutting on a base64 group boundary keeps every chunk independently decodable.
		budget -= budget % base64Group
		if budget < base64Group {
			return []Event{ev}, fmt.Errorf("%w: %s envelope overhead %d leaves no room for content", ErrUnsplittable, ev.Kind, overhead)
		}
		pieces = splitAligned(content, budget)
	} else {
		if budget < 1 {
			return []Event{ev}, fmt.Errorf("%w: %s envelope overhead %d leaves no room for content", ErrUnsplittable, ev.Kind, overhead)
		}
		pieces = splitRunes(content, budget)
	}

	out := make([]Event, 0, len(pieces))
	for _, p := range pieces {
		chunk, err := ev.WithField("content", p)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func splitAligned(s string, size int) []string {
	pieces := make([]string, 0, len(s)/size+1)
	for start := 0; start < len(s); start += size {
		p := s[start:min(start+size, len(s))]
		if rem := len(p) % base64Group; rem != 0 {
			logx.Log.Warn().Int("padding", base64Group-rem).Msg("padded malformed audio chunk")
			p += strings.Repeat("=", base64Group-rem)
		}
		pieces = append(pieces, p)
	}
	return pieces
}

// splitRunes cuts s on rune boundaries so that each piece's JSON-escaped
// length stays within budget. A single rune wider than budget still gets a
// piece of its own.
func splitRunes(s string, budget int) []string {
	var pieces []string
	start, used := 0, 0
	for i, r := range s {
		w := escapedLen(r)
		if used+w > budget && i > start {
			pieces = append(pieces, s[start:i])
			start, used = i, 0
		}
		used += w
	}
	if start < len(s) {
		pieces = append(pieces, s[start:])
	}
	return pieces
}

// escapedLen is an upper bound on the bytes encoding/json emits for r inside
// a string literal, HTML escaping included.
func escapedLen(r rune) int {
	switch {
	case r == '"' || r == '\\' || r == '\n' || r == '\r' || r == '\t':
		return 2
	case r < 0x20, r == '<', r == '>', r == '&', r == '\u2028', r == '\u2029', r == utf8.RuneError:
		return 6
	default:
		return utf8.RuneLen(r)
	}
}
