package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidbonn/modems/internal/config"
	"github.com/davidbonn/modems/internal/daemon"
	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/store"
	"github.com/davidbonn/modems/pkg/log"
	"github.com/davidbonn/modems/pkg/netcheck"
	"github.com/davidbonn/modems/pkg/usb"
	"go.uber.org/zap"
)

const defaultConfigPath = "/etc/modems/telitd.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the config file")
	device := flag.String("device", "", "serial device override")
	retries := flag.Int("retries", 0, "initial gps retry budget override")
	delay := flag.Duration("delay", 0, "gps retry delay override")
	verbose := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Init(*verbose)
	defer log.Sync()

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if *device != "" {
		conf.Modem.Device = *device
	}
	if *retries > 0 {
		conf.GPS.InitialRetries = *retries
	}
	if *delay > 0 {
		conf.GPS.RetryDelay = config.TOMLDuration(*delay)
	}

	if !usb.Present(usb.ModemLE910C4) {
		// Not fatal, the reconnect loop keeps dialing until the
		// device node shows up.
		log.Warn("modem not detected on usb bus")
	}

	st := store.NewRedisStore(conf.Store.Addr, conf.Store.DB)
	defer func() { _ = st.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialer := &modem.SerialDialer{Path: conf.Modem.Device, Baud: conf.Modem.Baud}

	d := daemon.New(conf, st, dialer, netcheck.Reachable)

	log.Info("telitd starting",
		zap.String("device", conf.Modem.Device),
		zap.Duration("poll_period", conf.Daemon.PollPeriod.Value()))

	if err := d.Run(ctx); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}

	log.Info("telitd stopped")
}
