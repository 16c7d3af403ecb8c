// Package notify defines the alert-delivery contract and its registry of
// implementations.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/lvonguyen/loginwatch/internal/event"
)

// ErrUnknownNotifier is returned for notifier names outside the closed set.
var ErrUnknownNotifier = errors.New("unknown notifier")

// Notifier delivers the alert set produced by one scoring pass. Delivery
// failures propagate: the run's watermark is not advanced past alerts that
// were never delivered.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alerts []event.Raw) error
}

// Factory builds a Notifier.
type Factory func() (Notifier, error)

// Registry is an explicit, closed set of notifiers keyed by configuration
// string.
type Registry map[string]Factory

// Register adds a notifier factory under the given name.
func (r Registry) Register(name string, f Factory) {
	r[name] = f
}

// Open builds the named notifier.
func (r Registry) Open(name string) (Notifier, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNotifier, name)
	}
	return f()
}
