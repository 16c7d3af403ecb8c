// Package poller defines the identity-provider polling contract and its
// registry of implementations.
package poller

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvonguyen/loginwatch/internal/event"
	"github.com/lvonguyen/loginwatch/internal/store"
)

// ErrUnknownPoller is returned for poller names outside the closed set.
var ErrUnknownPoller = errors.New("unknown poller")

// Poller fetches raw login events from one identity provider. Each
// implementation declares, via Fields, which paths of its events carry the
// timestamp, user, IP, user-agent, and filter-category values.
type Poller interface {
	Name() string
	Fields() event.FieldMap

	// Poll fetches events newer than the checkpoint, oldest first.
	Poll(ctx context.Context, checkpoint store.Checkpoint) ([]event.Raw, error)

	// HealthCheck verifies connectivity to the provider.
	HealthCheck(ctx context.Context) error
}

// Factory builds a Poller.
type Factory func() (Poller, error)

// Registry is an explicit, closed set of pollers keyed by configuration
// string.
type Registry map[string]Factory

// Register adds a poller factory under the given name.
func (r Registry) Register(name string, f Factory) {
	r[name] = f
}

// Open builds the named poller.
func (r Registry) Open(name string) (Poller, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPoller, name)
	}
	return f()
}
