// Package ecm drives the modem's Ethernet Control Mode session and owns
// the device identity key in the shared store.
package ecm

import (
	"context"
	"errors"
	"sync"

	"github.com/davidbonn/modems/internal/store"
	"github.com/davidbonn/modems/pkg/log"
	"go.uber.org/zap"
)

// State of the ECM session as tracked by the controller.
type State int

const (
	StateUnknown State = iota
	StateDisabled
	StateEnabling
	StateEnabled
	StateDisableRequested
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateEnabled:
		return "enabled"
	case StateDisableRequested:
		return "disable_requested"
	default:
		return "unknown"
	}
}

// stable reports whether s may be persisted; in-progress states never
// reach the store.
func (s State) stable() bool {
	return s == StateUnknown || s == StateDisabled || s == StateEnabled
}

// Modem is the slice of the command layer the controller needs.
type Modem interface {
	ICCID(ctx context.Context) (string, error)
	ECMStart(ctx context.Context) error
	ECMStop(ctx context.Context) error
	ECMUp(ctx context.Context) (bool, error)
}

// Prober checks host reachability over the ECM link. Nil disables the
// shortcut and Verify always asks the modem.
type Prober func(ctx context.Context, host string) bool

type Controller struct {
	dev   Modem
	store store.Store
	probe Prober

	mu    sync.Mutex
	state State
}

func NewController(dev Modem, st store.Store, probe Prober) *Controller {
	return &Controller{dev: dev, store: st, probe: probe, state: StateUnknown}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueryIdentity derives the stable device identifier from the SIM's
// ICCID and persists it. An identifier already in the store always wins
// over a freshly queried one, so the identity survives SIM swaps and
// flaky reads across restarts.
func (c *Controller) QueryIdentity(ctx context.Context) (string, error) {
	iccid, err := c.dev.ICCID(ctx)
	if err != nil {
		return "", err
	}
	id := "iccid:" + iccid

	stored, err := c.store.Get(ctx, store.KeyDeviceIdentity)
	if err == nil {
		if stored != id {
			log.Warn("modem identity differs from stored identity, keeping stored",
				zap.String("stored", stored), zap.String("queried", id))
		}
		return stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := c.store.Set(ctx, store.KeyDeviceIdentity, id); err != nil {
		return "", err
	}

	log.Info("device identity assigned", zap.String("identity", id))
	return id, nil
}

// Enable brings the ECM session up. A no-op when already enabled. On
// failure the state falls back to the last stable value; retry policy is
// the daemon's call, not ours.
func (c *Controller) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableLocked(ctx)
}

func (c *Controller) enableLocked(ctx context.Context) error {
	if c.state == StateEnabled {
		return nil
	}

	prior := c.state
	c.state = StateEnabling

	if err := c.dev.ECMStart(ctx); err != nil {
		if prior.stable() {
			c.state = prior
		} else {
			c.state = StateUnknown
		}
		return err
	}

	c.setStateLocked(ctx, StateEnabled)
	log.Info("ecm session enabled")
	return nil
}

// Disable takes the ECM session down.
func (c *Controller) Disable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior := c.state
	c.state = StateDisableRequested

	if err := c.dev.ECMStop(ctx); err != nil {
		if prior.stable() {
			c.state = prior
		} else {
			c.state = StateUnknown
		}
		return err
	}

	c.setStateLocked(ctx, StateDisabled)
	log.Info("ecm session disabled")
	return nil
}

// Verify re-checks that the session is still up; a power event can reset
// the modem behind our back. A successful reachability probe is accepted
// as proof of life without bothering the command interpreter. Otherwise
// the modem is queried and the session re-enabled if it drifted down.
func (c *Controller) Verify(ctx context.Context, host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.probe != nil && host != "" && c.probe(ctx, host) {
		c.setStateLocked(ctx, StateEnabled)
		return nil
	}

	up, err := c.dev.ECMUp(ctx)
	if err != nil {
		return err
	}

	if up {
		c.setStateLocked(ctx, StateEnabled)
		return nil
	}

	log.Info("ecm session down, re-enabling")
	c.setStateLocked(ctx, StateDisabled)
	return c.enableLocked(ctx)
}

func (c *Controller) setStateLocked(ctx context.Context, s State) {
	c.state = s
	if !s.stable() {
		return
	}

	if err := c.store.Set(ctx, store.KeyEcmState, s.String()); err != nil {
		log.Warn("failed to persist ecm state", zap.Error(err))
	}
}
