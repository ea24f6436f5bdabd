// Package event decodes stream payloads into Events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrNoIdentifier is returned for payloads carrying neither kref nor key.
var ErrNoIdentifier = errors.New("event has no kref or key")

// Event is one decoded stream event.
type Event struct {
	// Kref is the resource identifier, or the key when no kref was sent.
	Kref       string         `json:"kref" yaml:"kref"`
	RoutingKey string         `json:"routing_key" yaml:"routing_key"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
	Details    map[string]any `json:"details,omitempty" yaml:"details,omitempty"`
	Cursor     string         `json:"cursor,omitempty" yaml:"cursor,omitempty"`

	// TimestampErr is set when the timestamp field was present but did not
	// parse. Timestamp is zero in that case; the event is otherwise valid.
	TimestampErr error `json:"-" yaml:"-"`
}

type wireEvent struct {
	Kref       string          `json:"kref"`
	Key        string          `json:"key"`
	RoutingKey string          `json:"routing_key"`
	Type       string          `json:"type"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Details    map[string]any  `json:"details"`
	Cursor     json.RawMessage `json:"cursor"`
}

// Decode parses a JSON payload. Unknown fields are ignored.
func Decode(payload string) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	ev := &Event{
		Kref:       strings.TrimSpace(w.Kref),
		RoutingKey: strings.TrimSpace(w.RoutingKey),
		Details:    w.Details,
	}
	if ev.Kref == "" {
		ev.Kref = strings.TrimSpace(w.Key)
	}
	if ev.Kref == "" {
		return nil, ErrNoIdentifier
	}
	if ev.RoutingKey == "" {
		ev.RoutingKey = strings.TrimSpace(w.Type)
	}

	ev.Timestamp, ev.TimestampErr = parseTimestamp(w.Timestamp)

	cursor, err := scalarString(w.Cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	ev.Cursor = cursor

	return ev, nil
}

// Name returns the trailing path segment of the kref with any query removed,
// e.g. "hero.model" for "kref://proj/space/hero.model?r=3".
func (e *Event) Name() string {
	k := e.Kref
	if i := strings.IndexByte(k, '?'); i >= 0 {
		k = k[:i]
	}
	k = strings.TrimRight(k, "/")
	if i := strings.LastIndexByte(k, '/'); i >= 0 {
		k = k[i+1:]
	}
	return k
}

// ItemNameKind splits Name into its name and kind halves at the last dot.
// kind is empty when the segment has no dot.
func (e *Event) ItemNameKind() (name, kind string) {
	seg := e.Name()
	if i := strings.LastIndexByte(seg, '.'); i > 0 {
		return seg[:i], seg[i+1:]
	}
	return seg, ""
}

// Action returns the routing key segment after the last dot.
func (e *Event) Action() string {
	if i := strings.LastIndexByte(e.RoutingKey, '.'); i >= 0 {
		return e.RoutingKey[i+1:]
	}
	return ""
}

// Type returns the routing key segment before the first dot.
func (e *Event) Type() string {
	if i := strings.IndexByte(e.RoutingKey, '.'); i >= 0 {
		return e.RoutingKey[:i]
	}
	return e.RoutingKey
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		t, err := dateparse.ParseAny(s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return t.UTC(), nil
	}

	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, fmt.Errorf("invalid timestamp: %v", ms)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

// scalarString accepts a JSON string or number.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return "", err
	}
	return n.String(), nil
}
