package storage

import (
	"context"
	"errors"
)

// DefaultName is the fixed name under which unsent events are persisted.
const DefaultName = "analytics_events"

// ErrStorage marks a failure of the durable storage layer (disk full, permission denied,
// database unavailable). Callers see it through errors.Is.
var ErrStorage = errors.New("storage failure")

// Storage keeps one opaque payload at one fixed location.
// Load reports ok=false with a nil error when nothing is stored.
// Save overwrites unconditionally. Delete of a missing payload is not an error.
// Implementations do not retry; failures are returned wrapped with ErrStorage.
type Storage interface {
	Load(ctx context.Context) (payload []byte, ok bool, err error)
	Save(ctx context.Context, payload []byte) error
	Delete(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	Close() error
}

// Quarantiner is implemented by storages that can set aside a payload that
// failed to decode instead of deleting it, so it can be inspected later.
type Quarantiner interface {
	Quarantine(ctx context.Context) error
}

// CorruptSuffix is appended to the name of quarantined payloads.
const CorruptSuffix = ".corrupt"
