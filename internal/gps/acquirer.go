// Package gps acquires position fixes from the modem with a bounded
// retry budget. All GPS retry policy lives here; the driver below
// reports each failure exactly once.
package gps

import (
	"context"
	"errors"
	"time"

	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/modem/telit"
	"github.com/davidbonn/modems/pkg/log"
	"go.uber.org/zap"
)

// ErrAcquisitionTimeout is returned once the retry budget is exhausted
// without a fix meeting the quality gate.
var ErrAcquisitionTimeout = errors.New("gps acquisition retry budget exhausted")

// Positioner is the slice of the modem the acquirer needs.
type Positioner interface {
	Position(ctx context.Context) (*telit.Fix, error)
}

type Config struct {
	// MaxRetries bounds the number of position polls per acquisition.
	MaxRetries int
	// RetryDelay is slept after every failed attempt.
	RetryDelay time.Duration
	// MaxHDOP gates what counts as a good enough fix; zero disables
	// the gate.
	MaxHDOP float64
}

type Acquirer struct {
	dev  Positioner
	conf Config

	// replaced in tests to observe the delay schedule
	sleep func(ctx context.Context, d time.Duration) error
}

func New(dev Positioner, conf Config) *Acquirer {
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = 30
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = 10 * time.Second
	}

	return &Acquirer{dev: dev, conf: conf, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Acquire polls for a position until one with a lock and an acceptable
// dilution arrives, returning it immediately without consuming further
// retries. No-fix readings, driver timeouts, protocol and device errors
// each consume one retry followed by one delay. Transport failures abort
// at once; they are the daemon's problem, not a failed attempt.
//
// When the budget runs out, the best locked-but-poor-dilution candidate
// seen is returned alongside ErrAcquisitionTimeout so the caller can
// keep it as a fallback.
func (a *Acquirer) Acquire(ctx context.Context) (*telit.Fix, error) {
	var best *telit.Fix

	for attempt := 1; attempt <= a.conf.MaxRetries; attempt++ {
		fix, err := a.dev.Position(ctx)

		switch {
		case err == nil && (a.conf.MaxHDOP <= 0 || fix.HDOP <= a.conf.MaxHDOP):
			log.Debug("gps fix acquired",
				zap.Int("attempt", attempt),
				zap.Float64("hdop", fix.HDOP))
			return fix, nil

		case err == nil:
			// Locked but diluted; remember the best we saw
			if best == nil || fix.HDOP < best.HDOP {
				best = fix
			}
			log.Debug("gps fix too diluted",
				zap.Int("attempt", attempt),
				zap.Float64("hdop", fix.HDOP))

		case errors.Is(err, telit.ErrNoFix), errors.Is(err, modem.ErrTimeout):
			log.Debug("no gps fix yet", zap.Int("attempt", attempt), zap.Error(err))

		default:
			if modem.IsIO(err) || ctx.Err() != nil {
				return nil, err
			}

			var protoErr *modem.ProtocolError
			var devErr *modem.DeviceError
			if errors.As(err, &protoErr) || errors.As(err, &devErr) {
				log.Warn("gps poll failed", zap.Int("attempt", attempt), zap.Error(err))
				break
			}

			return nil, err
		}

		if err := a.sleep(ctx, a.conf.RetryDelay); err != nil {
			return nil, err
		}
	}

	return best, ErrAcquisitionTimeout
}
