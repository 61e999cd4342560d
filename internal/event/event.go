package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// FormField is the form field carrying the JSON batch on the wire.
const FormField = "Analytics"

// ErrDecode marks a payload that could not be decoded into a Batch.
var ErrDecode = errors.New("malformed event payload")

// Event is a single analytics event. It is never mutated after creation.
type Event struct {
	Type string `json:"Type"`
	Data string `json:"Data"`
}

// New creates an Event. Empty type and data are allowed.
func New(typ, data string) Event {
	return Event{Type: typ, Data: data}
}

// Batch is the payload shape shared by the wire format and the persisted state.
type Batch struct {
	Events []Event `json:"events"`
}

// Encode serializes events as a Batch. A nil slice is encoded as an empty array.
func Encode(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	b, err := json.Marshal(Batch{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return b, nil
}

// Decode parses a Batch payload. Any syntax or shape error is reported as ErrDecode.
func Decode(b []byte) ([]Event, error) {
	var batch Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return batch.Events, nil
}

// EncodeForm wraps an encoded batch into the form body sent to the collector.
func EncodeForm(payload []byte) string {
	v := url.Values{}
	v.Set(FormField, string(payload))
	return v.Encode()
}

// Clone returns a copy of events that does not share the backing array.
func Clone(events []Event) []Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
