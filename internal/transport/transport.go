package transport

import (
	"context"
	"errors"

	"github.com/loykin/beacon/internal/event"
)

// ErrTransport marks a failed delivery attempt (network error, timeout, non-success status).
// It is never fatal: the buffer re-queues the batch and tries again after the cooldown.
var ErrTransport = errors.New("transport failure")

// Transport delivers one encoded batch to the collector.
// Send returns nil only when the collector acknowledged the payload.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

type segmentsKey struct{}

// WithSegments attaches the payload IDs of the batch about to be sent.
func WithSegments(ctx context.Context, segs []event.Segment) context.Context {
	return context.WithValue(ctx, segmentsKey{}, segs)
}

// SegmentsFrom returns the payload IDs attached by WithSegments, if any.
func SegmentsFrom(ctx context.Context) []event.Segment {
	segs, _ := ctx.Value(segmentsKey{}).([]event.Segment)
	return segs
}
