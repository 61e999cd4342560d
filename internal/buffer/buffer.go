package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/beacon/internal/event"
	"github.com/loykin/beacon/internal/metrics"
	"github.com/loykin/beacon/internal/storage"
	"github.com/loykin/beacon/internal/transport"
)

// DefaultCooldown is the minimum spacing between two flush attempts.
const DefaultCooldown = 5 * time.Second

// State tells whether a batch is currently on the wire.
type State int

const (
	StateIdle State = iota
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures an EventBuffer. Zero values select the defaults.
type Options struct {
	Cooldown time.Duration
	Logger   *slog.Logger
	// Now is used to stamp send completions. Defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of the buffer counters since construction.
type Stats struct {
	State       State
	Pending     int
	InFlight    int
	Tracked     uint64
	Delivered   uint64
	Requeued    uint64
	SendsOK     uint64
	SendsFailed uint64
	Restored    uint64
	Persisted   uint64
	LastSend    time.Time
}

// EventBuffer accumulates analytics events in memory and flushes them to a
// Transport in batches. At most one batch is in flight at a time; a failed
// batch goes back into the pending queue and is retried after the cooldown.
// Unsent events are written to Storage at shutdown and restored at startup.
//
// Every batch is stamped with payload IDs. Events that go back into the queue
// keep the IDs they were sent under, in memory and across restarts, so a
// collector can recognise a batch it stored even when the reply was lost.
type EventBuffer struct {
	storage   storage.Storage
	transport transport.Transport
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu         sync.Mutex
	pending    []event.Event
	inFlight   []event.Event
	// segments covers a prefix of pending; inFlightSegs covers all of inFlight.
	segments     []event.Segment
	inFlightSegs []event.Segment
	state      State
	lastSend   time.Time
	gen        uint64
	sendCancel context.CancelFunc
	sendDone   chan struct{}
	closed     bool
	warnedLate bool
	stats      Stats
}

// New creates an EventBuffer over the given storage and transport.
func New(st storage.Storage, tr transport.Transport, opts Options) *EventBuffer {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventBuffer{
		storage:   st,
		transport: tr,
		cooldown:  opts.Cooldown,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "buffer"),
	}
}

// TrackEvent queues an event for the next flush. It never blocks on I/O and is
// safe to call from any goroutine, including while a send is in flight.
func (b *EventBuffer) TrackEvent(typ, data string) {
	b.mu.Lock()
	b.pending = append(b.pending, event.New(typ, data))
	b.stats.Tracked++
	n := len(b.pending)
	warn := b.closed && !b.warnedLate
	if warn {
		b.warnedLate = true
	}
	b.mu.Unlock()

	metrics.IncTracked()
	metrics.SetPending(n)
	if warn {
		b.logger.Warn("event tracked after shutdown; it is kept in memory only until the next shutdown", "type", typ)
	}
}

// OnTick starts a flush when no send is outstanding, the cooldown has elapsed
// since the last completion and events are pending. The send runs on its own
// goroutine; OnTick returns immediately and reports whether a flush started.
func (b *EventBuffer) OnTick(now time.Time) bool {
	b.mu.Lock()
	if b.closed || b.state == StateSending || len(b.pending) == 0 {
		b.mu.Unlock()
		return false
	}
	if now.Sub(b.lastSend) < b.cooldown {
		b.mu.Unlock()
		return false
	}

	batch := b.pending
	segs := coverAll(b.segments, len(batch))
	b.pending = nil
	b.segments = nil
	b.inFlight = batch
	b.inFlightSegs = segs
	b.state = StateSending
	b.gen++
	gen := b.gen
	ctx, cancel := context.WithCancel(transport.WithSegments(context.Background(), segs))
	b.sendCancel = cancel
	done := make(chan struct{})
	b.sendDone = done
	b.mu.Unlock()

	metrics.SetPending(0)
	b.logger.Debug("flush started", "events", len(batch))
	go b.send(ctx, gen, batch, done)
	return true
}

func (b *EventBuffer) send(ctx context.Context, gen uint64, batch []event.Event, done chan struct{}) {
	defer close(done)

	start := time.Now()
	payload, err := event.Encode(batch)
	if err == nil {
		err = b.transport.Send(ctx, payload)
	}
	elapsed := time.Since(start).Seconds()
	if err != nil {
		metrics.ObserveSend(metrics.ResultFailure, elapsed)
	} else {
		metrics.ObserveSend(metrics.ResultSuccess, elapsed)
	}
	b.onSendComplete(gen, err)
}

// onSendComplete resolves the send identified by gen. A completion that
// arrives after shutdown already reclaimed the batch is ignored.
func (b *EventBuffer) onSendComplete(gen uint64, err error) {
	b.mu.Lock()
	if gen != b.gen || b.state != StateSending {
		b.mu.Unlock()
		b.logger.Debug("ignoring late send completion", "error", err)
		return
	}

	n := len(b.inFlight)
	if err == nil {
		b.stats.SendsOK++
		b.stats.Delivered += uint64(n)
	} else {
		b.stats.SendsFailed++
		b.stats.Requeued += uint64(n)
		b.requeueInFlight()
	}
	b.inFlight = nil
	b.inFlightSegs = nil
	b.state = StateIdle
	b.lastSend = b.now()
	if b.sendCancel != nil {
		b.sendCancel()
		b.sendCancel = nil
	}
	b.sendDone = nil
	pending := len(b.pending)
	b.mu.Unlock()

	metrics.SetPending(pending)
	if err != nil {
		metrics.AddRequeued(n)
		b.logger.Warn("flush failed; batch re-queued", "events", n, "pending", pending, "error", err)
		return
	}
	b.logger.Debug("flush delivered", "events", n)
}

// OnStartup restores events persisted by a previous session and deletes the
// persisted copy. A missing payload is not an error. A payload that cannot be
// decoded is treated as missing and quarantined when the storage supports it.
func (b *EventBuffer) OnStartup(ctx context.Context) error {
	payload, ok, err := b.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("load persisted events: %w", err)
	}

	b.mu.Lock()
	b.closed = false
	b.warnedLate = false
	b.mu.Unlock()

	if !ok {
		return nil
	}

	loaded, segs, err := event.DecodeState(payload)
	if err != nil {
		b.logger.Warn("persisted events are malformed; starting empty", "error", err)
		if q, isQ := b.storage.(storage.Quarantiner); isQ {
			if qerr := q.Quarantine(ctx); qerr != nil {
				return fmt.Errorf("quarantine persisted events: %w", qerr)
			}
		}
		return nil
	}

	if err := b.storage.Delete(ctx); err != nil {
		return fmt.Errorf("delete persisted events: %w", err)
	}

	b.mu.Lock()
	if len(loaded) > 0 {
		if len(b.segments) > 0 {
			segs = coverAll(segs, len(loaded))
		}
		b.pending = append(loaded, b.pending...)
		b.segments = append(segs, b.segments...)
	}
	b.stats.Restored += uint64(len(loaded))
	n := len(b.pending)
	b.mu.Unlock()

	metrics.AddRestored(len(loaded))
	metrics.SetPending(n)
	b.logger.Info("restored persisted events", "events", len(loaded))
	return nil
}

// OnShutdown stops further flushes, waits for an outstanding send until ctx is
// done and persists every unsent event. When ctx expires first the send is
// cancelled and its batch is persisted with the rest; a later completion of
// that send is ignored. Nothing is written when no events remain.
func (b *EventBuffer) OnShutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	done := b.sendDone
	b.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			b.abandonSend()
		}
	}

	b.mu.Lock()
	if len(b.inFlight) > 0 {
		b.requeueInFlight()
		b.inFlight = nil
		b.inFlightSegs = nil
	}
	snapshot := event.Clone(b.pending)
	segs := append([]event.Segment(nil), b.segments...)
	b.mu.Unlock()

	if len(snapshot) == 0 {
		b.logger.Debug("nothing to persist")
		return nil
	}

	payload, err := event.EncodeState(snapshot, segs)
	if err != nil {
		return err
	}
	// The save must complete even when ctx already expired while waiting on the send.
	if err := b.storage.Save(context.WithoutCancel(ctx), payload); err != nil {
		return fmt.Errorf("persist events: %w", err)
	}

	b.mu.Lock()
	b.stats.Persisted += uint64(len(snapshot))
	b.mu.Unlock()

	metrics.AddPersisted(len(snapshot))
	b.logger.Info("persisted unsent events", "events", len(snapshot))
	return nil
}

func (b *EventBuffer) abandonSend() {
	b.mu.Lock()
	if b.state != StateSending {
		b.mu.Unlock()
		return
	}
	if b.sendCancel != nil {
		b.sendCancel()
		b.sendCancel = nil
	}
	// Bumping the generation makes the pending completion a no-op.
	b.gen++
	n := len(b.inFlight)
	b.requeueInFlight()
	b.stats.Requeued += uint64(n)
	b.inFlight = nil
	b.inFlightSegs = nil
	b.state = StateIdle
	b.sendDone = nil
	pending := len(b.pending)
	b.mu.Unlock()

	metrics.SetPending(pending)
	metrics.AddRequeued(n)
	b.logger.Warn("shutdown deadline reached with a send outstanding; persisting its batch", "events", n)
}

// requeueInFlight puts the in-flight batch back at the head of pending with
// the payload IDs it was sent under. Callers hold mu.
func (b *EventBuffer) requeueInFlight() {
	b.pending = append(b.inFlight, b.pending...)
	b.segments = append(b.inFlightSegs, b.segments...)
}

// coverAll extends segs so they describe all n events, naming the uncovered
// tail with a fresh payload ID.
func coverAll(segs []event.Segment, n int) []event.Segment {
	rest := n - event.Covered(segs)
	if rest <= 0 {
		return segs
	}
	return append(segs, event.Segment{ID: uuid.NewString(), Count: rest})
}

// Pending returns a copy of the events waiting for the next flush.
func (b *EventBuffer) Pending() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return event.Clone(b.pending)
}

// InFlight returns a copy of the batch currently being sent.
func (b *EventBuffer) InFlight() []event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return event.Clone(b.inFlight)
}

// Sending reports whether a send is outstanding.
func (b *EventBuffer) Sending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateSending
}

func (b *EventBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state
	s.Pending = len(b.pending)
	s.InFlight = len(b.inFlight)
	s.LastSend = b.lastSend
	return s
}
