// Package daemon is the long-lived coordinator: it owns the modem
// handle, re-asserts the ECM session and keeps the persisted location
// fresh, surviving transient hardware failures indefinitely.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/davidbonn/modems/internal/config"
	"github.com/davidbonn/modems/internal/ecm"
	"github.com/davidbonn/modems/internal/gps"
	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/modem/telit"
	"github.com/davidbonn/modems/internal/store"
	"github.com/davidbonn/modems/pkg/log"
	"github.com/davidbonn/modems/pkg/sysclock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type State int32

const (
	StateStarting State = iota
	StateRunning
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	default:
		return "stopped"
	}
}

type Daemon struct {
	conf    *config.MainConfig
	store   store.Store
	dialer  modem.Dialer
	probe   ecm.Prober
	locfile *store.LocationFile

	state *atomic.Int32

	// rebuilt on every (re)connect
	handle *modem.Handle
	dev    *telit.Telit
	ecm    *ecm.Controller
}

func New(conf *config.MainConfig, st store.Store, dialer modem.Dialer, probe ecm.Prober) *Daemon {
	return &Daemon{
		conf:    conf,
		store:   st,
		dialer:  dialer,
		probe:   probe,
		locfile: &store.LocationFile{Path: conf.Daemon.LocationFile},
		state:   atomic.NewInt32(int32(StateStarting)),
	}
}

func (d *Daemon) State() State {
	return State(d.state.Load())
}

func (d *Daemon) setState(s State) {
	d.state.Store(int32(s))
	log.Debug("daemon state", zap.Stringer("state", s))
}

// Run drives the daemon until ctx is cancelled. Recoverable hardware
// errors never terminate it: a transport fault tears the handle down and
// re-runs the starting sequence with capped exponential backoff.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.teardown()
	defer d.setState(StateStopped)

	d.seedLocation(ctx)

	backoff := d.conf.Daemon.ReconnectMin.Value()

	for {
		d.setState(StateStarting)
		err := d.start(ctx)
		if err == nil {
			backoff = d.conf.Daemon.ReconnectMin.Value()
			err = d.run(ctx)
		}

		if ctx.Err() != nil {
			return nil
		}

		d.setState(StateRecovering)
		d.teardown()
		log.Warn("modem unavailable, reconnecting",
			zap.Duration("backoff", backoff), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if max := d.conf.Daemon.ReconnectMax.Value(); backoff > max {
			backoff = max
		}
	}
}

// start opens the handle and runs the bringup sequence: AT sync,
// identity, ECM enable, GPS power, initial fix.
func (d *Daemon) start(ctx context.Context) error {
	transport, err := d.dialer.Dial()
	if err != nil {
		return err
	}

	d.handle = modem.NewHandle(transport)
	drv := modem.NewDriver(d.handle, d.conf.Modem.ATTimeout.Value())
	d.dev = telit.New(drv)
	d.ecm = ecm.NewController(d.dev, d.store, d.probe)

	if err := d.dev.Sync(ctx); err != nil {
		return err
	}

	identity, err := d.ecm.QueryIdentity(ctx)
	if err != nil {
		return err
	}
	log.Info("modem attached", zap.String("identity", identity))

	if err := d.ecm.Enable(ctx); err != nil {
		return err
	}

	if d.conf.Daemon.SetClock {
		d.setClockOnce(ctx)
	}

	powered, err := d.dev.GPSPowered(ctx)
	if err != nil {
		return err
	}
	if !powered {
		if err := d.dev.GPSPower(ctx, true); err != nil {
			return err
		}
	}

	// First fix after boot gets the large budget; losing it is not
	// fatal, the periodic cycle keeps trying.
	acq := gps.New(d.dev, gps.Config{
		MaxRetries: d.conf.GPS.InitialRetries,
		RetryDelay: d.conf.GPS.RetryDelay.Value(),
		MaxHDOP:    d.conf.GPS.MaxHDOP,
	})
	if err := d.acquireAndPersist(ctx, acq); err != nil {
		return err
	}

	return nil
}

// run is the steady state: every poll period re-verify ECM and poll the
// GPS. Only transport faults escape; everything else is absorbed.
func (d *Daemon) run(ctx context.Context) error {
	d.setState(StateRunning)

	acq := gps.New(d.dev, gps.Config{
		MaxRetries: d.conf.GPS.CycleRetries,
		RetryDelay: d.conf.GPS.RetryDelay.Value(),
		MaxHDOP:    d.conf.GPS.MaxHDOP,
	})

	ticker := time.NewTicker(d.conf.Daemon.PollPeriod.Value())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := d.ecm.Verify(ctx, d.conf.Daemon.PingHost); err != nil {
			if modem.IsIO(err) {
				return err
			}
			log.Warn("ecm verification failed", zap.Error(err))
		}

		if err := d.acquireAndPersist(ctx, acq); err != nil {
			return err
		}
	}
}

// acquireAndPersist runs one acquisition and persists the result.
// Returns an error only for transport faults; a GPS outage is logged
// and absorbed, it is not a reason to tear down the handle.
func (d *Daemon) acquireAndPersist(ctx context.Context, acq *gps.Acquirer) error {
	fix, err := acq.Acquire(ctx)

	switch {
	case err == nil:
		d.persistFix(ctx, fix)
	case errors.Is(err, gps.ErrAcquisitionTimeout):
		log.Info("no gps fix this cycle")
		if fix != nil {
			// Best diluted candidate, the quality gate below
			// decides whether it is worth keeping
			d.persistFix(ctx, fix)
		}
	case modem.IsIO(err):
		return err
	case ctx.Err() != nil:
		return nil
	default:
		log.Warn("gps acquisition failed", zap.Error(err))
	}

	return nil
}

// persistFix writes the fix to the store and the location file. A
// reading with worse dilution than the stored one is dropped so a stale
// poll never degrades a good position.
func (d *Daemon) persistFix(ctx context.Context, fix *telit.Fix) {
	if !fix.Valid() {
		return
	}

	loc := &store.Location{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Altitude:  fix.Altitude,
		HDOP:      fix.HDOP,
		Quality:   fix.Quality,
		Time:      fix.Time,
	}

	if prev, err := d.storedLocation(ctx); err == nil && prev.HDOP < loc.HDOP {
		log.Debug("keeping previous fix with better dilution",
			zap.Float64("stored", prev.HDOP), zap.Float64("new", loc.HDOP))
		return
	}

	data, err := json.Marshal(loc)
	if err != nil {
		log.Error("failed to encode fix", zap.Error(err))
		return
	}

	if err := d.store.Set(ctx, store.KeyGpsFix, string(data)); err != nil {
		log.Warn("failed to persist fix to store", zap.Error(err))
	}

	if _, err := d.locfile.Update(loc); err != nil {
		log.Warn("failed to update location file", zap.Error(err))
	} else {
		log.Info("location updated",
			zap.Float64("latitude", loc.Latitude),
			zap.Float64("longitude", loc.Longitude),
			zap.Float64("hdop", loc.HDOP))
	}
}

func (d *Daemon) storedLocation(ctx context.Context) (*store.Location, error) {
	raw, err := d.store.Get(ctx, store.KeyGpsFix)
	if err != nil {
		return nil, err
	}

	var loc store.Location
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// seedLocation publishes a provisioned location so consumers have
// coordinates before the first fix. The sentinel dilution guarantees any
// real fix replaces it.
func (d *Daemon) seedLocation(ctx context.Context) {
	if d.conf.Daemon.SeedFile == "" {
		return
	}

	seed := &store.LocationFile{Path: d.conf.Daemon.SeedFile}
	loc, err := seed.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("unreadable seed location", zap.Error(err))
		}
		return
	}

	loc.HDOP = store.WorstHDOP
	log.Info("seeding provisioned location",
		zap.Float64("latitude", loc.Latitude), zap.Float64("longitude", loc.Longitude))

	if data, err := json.Marshal(loc); err == nil {
		if err := d.store.Set(ctx, store.KeyGpsFix, string(data)); err != nil {
			log.Warn("failed to seed store", zap.Error(err))
		}
	}
	if err := d.locfile.Write(loc); err != nil {
		log.Warn("failed to seed location file", zap.Error(err))
	}
}

// setClockOnce aligns the OS clock with the modem's RTC, exactly once
// per boot. chrony takes over later; this only gets us close enough for
// TLS before the network is up.
func (d *Daemon) setClockOnce(ctx context.Context) {
	if _, err := os.Stat(d.conf.Daemon.ClockFlag); err == nil {
		return
	}

	when, err := d.dev.Clock(ctx)
	if err != nil {
		log.Warn("could not read modem clock", zap.Error(err))
		return
	}

	if err := sysclock.Set(when); err != nil {
		log.Warn("could not set system clock", zap.Error(err))
		return
	}

	_ = os.MkdirAll(filepath.Dir(d.conf.Daemon.ClockFlag), 0755)
	if f, err := os.Create(d.conf.Daemon.ClockFlag); err == nil {
		f.Close()
	}
	log.Info("system clock set from modem", zap.Time("utc", when))
}

func (d *Daemon) teardown() {
	if d.handle != nil {
		_ = d.handle.Close()
		d.handle = nil
	}
}
