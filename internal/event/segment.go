package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSegments marks a payload ID header that does not describe the batch it came with.
var ErrSegments = errors.New("malformed payload segments")

// Segment names a run of consecutive events that left the client together
// under one payload ID. A re-sent run keeps its ID, so a receiver that already
// stored it can skip exactly those events.
type Segment struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Covered returns how many leading events segs describe.
func Covered(segs []Segment) int {
	n := 0
	for _, s := range segs {
		n += s.Count
	}
	return n
}

// FormatSegments renders segs as a header value: "id:count,id:count".
// A single segment is rendered as its bare ID.
func FormatSegments(segs []Segment) string {
	if len(segs) == 1 {
		return segs[0].ID
	}
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		parts = append(parts, s.ID+":"+strconv.Itoa(s.Count))
	}
	return strings.Join(parts, ",")
}

// ParseSegments parses a header value produced by FormatSegments for a batch
// of n events. An empty value yields no segments; a bare ID covers the whole batch.
func ParseSegments(v string, n int) ([]Segment, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if !strings.ContainsAny(v, ":,") {
		return []Segment{{ID: v, Count: n}}, nil
	}
	var segs []Segment
	for _, part := range strings.Split(v, ",") {
		id, count, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %q", ErrSegments, part)
		}
		c, err := strconv.Atoi(count)
		if err != nil || c <= 0 {
			return nil, fmt.Errorf("%w: bad count in %q", ErrSegments, part)
		}
		segs = append(segs, Segment{ID: id, Count: c})
	}
	if got := Covered(segs); got != n {
		return nil, fmt.Errorf("%w: segments cover %d events, batch has %d", ErrSegments, got, n)
	}
	return segs, nil
}

// state is the persisted shape: a Batch plus the payload IDs of events that
// were already sent at least once. Decode reads it as a plain Batch.
type state struct {
	Events   []Event   `json:"events"`
	Segments []Segment `json:"segments,omitempty"`
}

// EncodeState serializes events together with the segments covering a prefix of them.
func EncodeState(events []Event, segs []Segment) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	b, err := json.Marshal(state{Events: events, Segments: segs})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}

// DecodeState parses a payload written by EncodeState or Encode. Segments
// that do not fit the events are dropped; the events are kept.
func DecodeState(b []byte) ([]Event, []Segment, error) {
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if !validSegments(st.Segments, len(st.Events)) {
		st.Segments = nil
	}
	return st.Events, st.Segments, nil
}

func validSegments(segs []Segment, n int) bool {
	for _, s := range segs {
		if s.ID == "" || s.Count <= 0 {
			return false
		}
	}
	return Covered(segs) <= n
}
