// Package store is the shared persistence layer: a small key-value
// interface external processes read from, plus the on-disk location
// mirror. The daemon is the only writer.
package store

import (
	"context"
	"errors"
)

// Keys the modem subsystem owns in the shared store.
const (
	KeyDeviceIdentity = "device_identity"
	KeyEcmState       = "ecm_state"
	KeyGpsFix         = "gps_fix"
	KeyHostIdentity   = "host_identity"
)

// ErrNotFound is returned by Get for keys that were never written.
var ErrNotFound = errors.New("key not found")

// Store is the key-value interface injected into the controllers so the
// core stays testable without a real backend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}
