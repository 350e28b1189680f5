package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davidbonn/modems/internal/config"
	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/store"
	"github.com/davidbonn/modems/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	log.Init(true)
	goleak.VerifyTestMain(m)
}

const goodFix = "$GPSACP: 122330.000,4542.8106N,01344.2720E,1.2,100.0,3,0.0,0.0,0.0,240824,08,04"

// modemScript is the canned behavior of a healthy modem.
var modemScript = map[string][]string{
	"AT":         {"OK"},
	"AT+ICCID":   {"+ICCID: 8988303000000614422", "OK"},
	"AT#ECM=1,0": {"OK"},
	"AT$GPSP?":   {"$GPSP: 0", "OK"},
	"AT$GPSP=1":  {"OK"},
	"AT$GPSACP":  {goodFix, "OK"},
	"AT#ECMC?":   {`#ECMC: 1,1,"192.168.15.2","255.255.255.0","192.168.15.1"`, "OK"},
}

// scriptedDialer hands out one scripted transport per Dial call, so a
// reconnect gets a fresh modem just like re-opening the device node
// would.
type scriptedDialer struct {
	t    *testing.T
	stop chan struct{}

	mu         sync.Mutex
	transports []*modem.TestTransport
}

func newScriptedDialer(t *testing.T) *scriptedDialer {
	d := &scriptedDialer{t: t, stop: make(chan struct{})}
	t.Cleanup(func() { close(d.stop) })
	return d
}

func (d *scriptedDialer) Dial() (modem.Transport, error) {
	tt := modem.NewTestTransport()

	d.mu.Lock()
	d.transports = append(d.transports, tt)
	d.mu.Unlock()

	go func() {
		seen := 0
		for {
			select {
			case <-d.stop:
				return
			case <-time.After(time.Millisecond):
			}

			written := tt.Written()
			for ; seen < len(written); seen++ {
				cmd := written[seen]
				cmd = cmd[:len(cmd)-1] // trailing \r

				tt.SendLine(cmd)
				lines, ok := modemScript[cmd]
				if !ok {
					lines = []string{"ERROR"}
				}
				for _, l := range lines {
					tt.SendLine(l)
				}
			}
		}
	}()

	return tt, nil
}

func (d *scriptedDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *scriptedDialer) current() *modem.TestTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func testConfig(t *testing.T) *config.MainConfig {
	dir := t.TempDir()

	conf := config.Default()
	conf.Modem.ATTimeout = config.TOMLDuration(500 * time.Millisecond)
	conf.GPS.InitialRetries = 1
	conf.GPS.CycleRetries = 1
	conf.GPS.RetryDelay = config.TOMLDuration(time.Millisecond)
	conf.Daemon.PollPeriod = config.TOMLDuration(30 * time.Millisecond)
	conf.Daemon.PingHost = ""
	conf.Daemon.ReconnectMin = config.TOMLDuration(10 * time.Millisecond)
	conf.Daemon.ReconnectMax = config.TOMLDuration(50 * time.Millisecond)
	conf.Daemon.SetClock = false
	conf.Daemon.ClockFlag = filepath.Join(dir, "clock_set")
	conf.Daemon.LocationFile = filepath.Join(dir, "location.json")
	conf.Daemon.SeedFile = ""
	return conf
}

func startDaemon(t *testing.T, conf *config.MainConfig, st store.Store, dialer modem.Dialer) (*Daemon, context.CancelFunc, chan error) {
	t.Helper()

	d := New(conf, st, dialer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx); close(done) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})

	return d, cancel, done
}

func TestDaemonBringup(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	st := store.NewMemStore()
	dialer := newScriptedDialer(t)

	d, _, _ := startDaemon(t, conf, st, dialer)

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)

	identity, err := st.Get(ctx, store.KeyDeviceIdentity)
	require.NoError(t, err)
	assert.Equal(t, "iccid:8988303000000614422", identity)

	ecmState, err := st.Get(ctx, store.KeyEcmState)
	require.NoError(t, err)
	assert.Equal(t, "enabled", ecmState)

	raw, err := st.Get(ctx, store.KeyGpsFix)
	require.NoError(t, err)

	var loc store.Location
	require.NoError(t, json.Unmarshal([]byte(raw), &loc))
	assert.InDelta(t, 45.71351, loc.Latitude, 1e-5)
	assert.InDelta(t, 1.2, loc.HDOP, 1e-9)

	lf := &store.LocationFile{Path: conf.Daemon.LocationFile}
	onDisk, err := lf.Read()
	require.NoError(t, err)
	assert.InDelta(t, 45.71351, onDisk.Latitude, 1e-5)
}

func TestDaemonRecoversFromTransportLoss(t *testing.T) {
	conf := testConfig(t)
	st := store.NewMemStore()
	dialer := newScriptedDialer(t)

	d, _, _ := startDaemon(t, conf, st, dialer)

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, dialer.dials())

	// Yank the device out from under the daemon
	require.NoError(t, dialer.current().Close())

	require.Eventually(t, func() bool {
		return dialer.dials() >= 2 && d.State() == StateRunning
	}, 5*time.Second, 5*time.Millisecond, "daemon must redial and settle again")

	// The identity survives the reconnect untouched
	identity, err := st.Get(context.Background(), store.KeyDeviceIdentity)
	require.NoError(t, err)
	assert.Equal(t, "iccid:8988303000000614422", identity)
}

func TestDaemonStopsOnCancel(t *testing.T) {
	conf := testConfig(t)
	dialer := newScriptedDialer(t)

	d, cancel, done := startDaemon(t, conf, store.NewMemStore(), dialer)

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancellation")
	}
	assert.Equal(t, StateStopped, d.State())
}

// failingDialer simulates a missing device node.
type failingDialer struct{}

func (failingDialer) Dial() (modem.Transport, error) {
	return nil, errors.New("no such device")
}

func TestDaemonSeedsProvisionedLocation(t *testing.T) {
	conf := testConfig(t)
	conf.Daemon.SeedFile = filepath.Join(t.TempDir(), "seed.json")

	seed := &store.LocationFile{Path: conf.Daemon.SeedFile}
	require.NoError(t, seed.Write(&store.Location{Latitude: 40.0, Longitude: -8.0, HDOP: 1.0}))

	st := store.NewMemStore()
	d, cancel, done := startDaemon(t, conf, st, failingDialer{})

	require.Eventually(t, func() bool {
		_, err := st.Get(context.Background(), store.KeyGpsFix)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	raw, err := st.Get(context.Background(), store.KeyGpsFix)
	require.NoError(t, err)

	var loc store.Location
	require.NoError(t, json.Unmarshal([]byte(raw), &loc))
	assert.InDelta(t, 40.0, loc.Latitude, 1e-9)
	assert.InDelta(t, store.WorstHDOP, loc.HDOP, 1e-9, "seeded coordinates carry the sentinel dilution")

	// Without a modem the daemon keeps cycling between starting and
	// recovering, never running
	assert.NotEqual(t, StateRunning, d.State())

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonNeverDowngradesStoredFix(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(t)
	st := store.NewMemStore()

	// A better fix is already in the store
	better, err := json.Marshal(&store.Location{Latitude: 1, Longitude: 2, HDOP: 0.5, Quality: 3})
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, store.KeyGpsFix, string(better)))

	dialer := newScriptedDialer(t)
	d, _, _ := startDaemon(t, conf, st, dialer)

	require.Eventually(t, func() bool { return d.State() == StateRunning },
		5*time.Second, 5*time.Millisecond)

	raw, err := st.Get(ctx, store.KeyGpsFix)
	require.NoError(t, err)

	var loc store.Location
	require.NoError(t, json.Unmarshal([]byte(raw), &loc))
	assert.InDelta(t, 0.5, loc.HDOP, 1e-9, "a worse reading must never replace a better one")
}
