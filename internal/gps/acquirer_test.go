package gps

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/modem/telit"
	"github.com/davidbonn/modems/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(true)
	m.Run()
}

type pollResult struct {
	fix *telit.Fix
	err error
}

// fakePositioner plays back a fixed sequence of poll outcomes, repeating
// the last one once the sequence runs out.
type fakePositioner struct {
	results []pollResult
	calls   int
}

func (f *fakePositioner) Position(context.Context) (*telit.Fix, error) {
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.fix, r.err
}

func newTestAcquirer(dev Positioner, conf Config) (*Acquirer, *[]time.Duration) {
	a := New(dev, conf)

	delays := &[]time.Duration{}
	a.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return a, delays
}

func fixWithHDOP(hdop float64) *telit.Fix {
	return &telit.Fix{Latitude: 45.7, Longitude: 13.7, HDOP: hdop, Quality: 3}
}

func TestAcquireReturnsEarly(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{
		{err: telit.ErrNoFix},
		{err: telit.ErrNoFix},
		{err: telit.ErrNoFix},
		{fix: fixWithHDOP(1.1)},
	}}

	a, delays := newTestAcquirer(dev, Config{MaxRetries: 6, RetryDelay: time.Second, MaxHDOP: 2})

	fix, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.1, fix.HDOP, 1e-9)

	// A good fix stops the loop at once: three failed polls, three delays
	assert.Equal(t, 4, dev.calls)
	assert.Len(t, *delays, 3)
}

func TestAcquireExhaustsBudget(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{{err: telit.ErrNoFix}}}

	a, delays := newTestAcquirer(dev, Config{MaxRetries: 5, RetryDelay: time.Second})

	fix, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquisitionTimeout)
	assert.Nil(t, fix)
	assert.Equal(t, 5, dev.calls)
	assert.Len(t, *delays, 5)
}

func TestAcquireKeepsBestDilutedFix(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{
		{fix: fixWithHDOP(8)},
		{fix: fixWithHDOP(4)},
		{fix: fixWithHDOP(6)},
	}}

	a, _ := newTestAcquirer(dev, Config{MaxRetries: 3, RetryDelay: time.Second, MaxHDOP: 2})

	fix, err := a.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquisitionTimeout)
	require.NotNil(t, fix)
	assert.InDelta(t, 4, fix.HDOP, 1e-9)
}

func TestAcquireNoHDOPGate(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{{fix: fixWithHDOP(50)}}}

	a, _ := newTestAcquirer(dev, Config{MaxRetries: 3, RetryDelay: time.Second})

	fix, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50, fix.HDOP, 1e-9)
}

func TestAcquireDriverTimeoutConsumesRetry(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{
		{err: modem.ErrTimeout},
		{fix: fixWithHDOP(1)},
	}}

	a, delays := newTestAcquirer(dev, Config{MaxRetries: 5, RetryDelay: time.Second, MaxHDOP: 2})

	_, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.Len(t, *delays, 1)
}

func TestAcquireAbortsOnTransportLoss(t *testing.T) {
	ioErr := &modem.IOError{Op: "read", Err: io.EOF}
	dev := &fakePositioner{results: []pollResult{{err: ioErr}}}

	a, delays := newTestAcquirer(dev, Config{MaxRetries: 5, RetryDelay: time.Second})

	_, err := a.Acquire(context.Background())
	assert.True(t, modem.IsIO(err))
	assert.Equal(t, 1, dev.calls, "transport loss must not consume retries")
	assert.Empty(t, *delays)
}

func TestAcquireDeviceErrorConsumesRetry(t *testing.T) {
	dev := &fakePositioner{results: []pollResult{
		{err: &modem.DeviceError{Cmd: "AT$GPSACP", Code: 100}},
		{fix: fixWithHDOP(1)},
	}}

	a, _ := newTestAcquirer(dev, Config{MaxRetries: 5, RetryDelay: time.Second, MaxHDOP: 2})

	fix, err := a.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, fix)
	assert.Equal(t, 2, dev.calls)
}

func TestAcquireAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	dev := &fakePositioner{results: []pollResult{{err: telit.ErrNoFix}}}
	a := New(dev, Config{MaxRetries: 5, RetryDelay: time.Hour})

	done := make(chan error, 1)
	go func() {
		_, err := a.Acquire(ctx)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("acquire did not stop on cancellation")
	}
}
