// Package netcheck probes host reachability with ICMP echo. Needs raw
// socket privileges, which the modem daemon has anyway.
package netcheck

import (
	"context"
	"net"
	"time"

	"github.com/davidbonn/modems/pkg/log"
	"github.com/tatsushid/go-fastping"
	"go.uber.org/zap"
)

const (
	rounds  = 3
	roundTO = 2 * time.Second
)

// Reachable reports whether host answers at least one echo request
// within a few short rounds.
func Reachable(ctx context.Context, host string) bool {
	addr, err := net.ResolveIPAddr("ip4:icmp", host)
	if err != nil {
		log.Debug("could not resolve ping host", zap.String("host", host), zap.Error(err))
		return false
	}

	for i := 0; i < rounds; i++ {
		if ctx.Err() != nil {
			return false
		}

		p := fastping.NewPinger()
		p.AddIPAddr(addr)
		p.MaxRTT = roundTO

		received := false
		p.OnRecv = func(*net.IPAddr, time.Duration) {
			received = true
		}

		if err := p.Run(); err != nil {
			log.Debug("ping failed", zap.String("host", host), zap.Error(err))
			return false
		}
		if received {
			return true
		}
	}

	return false
}
