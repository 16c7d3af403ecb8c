// Package store defines the persistence contract for raw event logs and the
// analysis watermark, with a registry of backend implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvonguyen/loginwatch/internal/event"
)

// Common errors.
var (
	ErrUnknownBackend = errors.New("unknown persistence backend")
)

// Checkpoint marks how far a provider has been polled. Raw is the exact last
// persisted event, used by pollers to disambiguate events that share the
// checkpoint timestamp. A zero Checkpoint means the provider has never been
// polled.
type Checkpoint struct {
	Time float64
	Raw  event.Raw
}

// Store persists raw event logs and the two watermarks: per-provider polling
// checkpoints and the global analysis watermark. Timestamps cross this
// boundary as epoch-seconds floats; backends convert provider-native string
// forms on read.
type Store interface {
	// GetLast returns each provider's polling checkpoint.
	GetLast(ctx context.Context, fields map[string]event.FieldMap) (map[string]Checkpoint, error)

	// Persist appends raw events to each provider's log, verbatim.
	Persist(ctx context.Context, data map[string][]event.Raw) error

	// GetHistoricalData returns events grouped by provider. When
	// historyLimit is positive, events older than the provider's checkpoint
	// minus the limit (in seconds) are omitted.
	GetHistoricalData(ctx context.Context, fields map[string]event.FieldMap, historyLimit int64) (map[string][]event.Raw, error)

	// GetLastAnalyzed returns the analysis watermark, 0 when unset.
	GetLastAnalyzed(ctx context.Context) (float64, error)

	// PersistLastAnalyzed advances the analysis watermark. It is called only
	// after a full scoring pass; the watermark never decreases.
	PersistLastAnalyzed(ctx context.Context, watermark float64) error

	Close() error
}

// Factory builds a backend Store.
type Factory func() (Store, error)

// Registry is an explicit, closed set of backends keyed by configuration
// string.
type Registry map[string]Factory

// Register adds a backend factory under the given name.
func (r Registry) Register(name string, f Factory) {
	r[name] = f
}

// Open builds the named backend.
func (r Registry) Open(name string) (Store, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return f()
}
