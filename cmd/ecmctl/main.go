package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/davidbonn/modems/internal/config"
	"github.com/davidbonn/modems/internal/ecm"
	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/modem/telit"
	"github.com/davidbonn/modems/internal/store"
	"github.com/davidbonn/modems/pkg/hostid"
	"github.com/davidbonn/modems/pkg/log"
	"github.com/davidbonn/modems/pkg/netcheck"
	"github.com/davidbonn/modems/pkg/sysclock"
	"github.com/davidbonn/modems/pkg/usb"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "/etc/modems/telitd.toml"
	hostIDStatePath   = "/var/lib/modems/host_id"

	opTimeout = 2 * time.Minute
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the config file")
	start := flag.Bool("start", false, "bring the ecm session up")
	stop := flag.Bool("stop", false, "take the ecm session down")
	check := flag.Bool("check", false, "report whether the ecm link is usable")
	setclock := flag.Bool("setclock", false, "set the system clock from the modem")
	provision := flag.Bool("provision", false, "configure usb composition and packet data context")
	apn := flag.String("apn", "", "carrier apn for -provision")
	host := flag.String("host", "", "reachability host for -check (default from config)")
	verbose := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log.Init(*verbose)
	defer log.Sync()

	ops := 0
	for _, b := range []bool{*start, *stop, *check, *setclock, *provision} {
		if b {
			ops++
		}
	}
	if ops != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of -start, -stop, -check, -setclock, -provision required")
		flag.Usage()
		os.Exit(2)
	}

	conf, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if *host == "" {
		*host = conf.Daemon.PingHost
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	st := store.NewRedisStore(conf.Store.Addr, conf.Store.DB)
	defer func() { _ = st.Close() }()

	if !usb.Present(usb.ModemLE910C4) {
		runWithoutModem(ctx, st, *check, *host)
		return
	}

	dialer := &modem.SerialDialer{Path: conf.Modem.Device, Baud: conf.Modem.Baud}
	transport, err := dialer.Dial()
	if err != nil {
		log.Fatal("cannot open modem device", zap.String("device", conf.Modem.Device), zap.Error(err))
	}

	handle := modem.NewHandle(transport)
	defer func() { _ = handle.Close() }()

	dev := telit.New(modem.NewDriver(handle, conf.Modem.ATTimeout.Value()))
	if err := dev.Sync(ctx); err != nil {
		log.Fatal("modem not responding", zap.Error(err))
	}

	ctrl := ecm.NewController(dev, st, netcheck.Reachable)
	if identity, err := ctrl.QueryIdentity(ctx); err != nil {
		log.Warn("could not resolve device identity", zap.Error(err))
	} else {
		log.Debug("device identity", zap.String("identity", identity))
	}

	switch {
	case *start:
		if err := ctrl.Enable(ctx); err != nil {
			log.Fatal("failed to enable ecm", zap.Error(err))
		}
		fmt.Println("ecm enabled")

	case *stop:
		if err := ctrl.Disable(ctx); err != nil {
			log.Fatal("failed to disable ecm", zap.Error(err))
		}
		fmt.Println("ecm disabled")

	case *check:
		if err := ctrl.Verify(ctx, *host); err != nil {
			fmt.Println("ecm down")
			os.Exit(1)
		}
		fmt.Println("ecm up")

	case *setclock:
		when, err := dev.Clock(ctx)
		if err != nil {
			log.Fatal("could not read modem clock", zap.Error(err))
		}
		if err := sysclock.Set(when); err != nil {
			log.Fatal("could not set system clock", zap.Error(err))
		}
		fmt.Printf("clock set to %s\n", when.UTC().Format(time.RFC3339))

	case *provision:
		provisionModem(ctx, dev, *apn)
	}
}

// The USB composition that exposes the ECM function alongside the
// serial ports.
const ecmComposition = 4

// provisionModem puts a factory-fresh modem into the composition and
// packet data configuration the daemon expects. Run once per device.
func provisionModem(ctx context.Context, dev *telit.Telit, apn string) {
	n, err := dev.USBConfig(ctx)
	if err != nil {
		log.Fatal("could not read usb composition", zap.Error(err))
	}

	if n != ecmComposition {
		if err := dev.SetUSBConfig(ctx, ecmComposition); err != nil {
			log.Fatal("could not set usb composition", zap.Error(err))
		}
		// The composition change makes the modem reboot and
		// re-enumerate on its own; run -provision again afterwards.
		fmt.Println("usb composition updated, modem rebooting")
		return
	}

	if apn == "" {
		fmt.Println("modem already provisioned")
		return
	}

	if err := dev.SetPDPContext(ctx, "IP", apn); err != nil {
		log.Fatal("could not set pdp context", zap.Error(err))
	}
	if err := dev.Reboot(ctx); err != nil {
		log.Fatal("could not reboot modem", zap.Error(err))
	}
	fmt.Println("pdp context set, modem rebooting")
}

// runWithoutModem covers boards deployed without cellular hardware: the
// device identity falls back to the host board id, and -check degrades
// to a plain reachability probe over whatever uplink exists.
func runWithoutModem(ctx context.Context, st store.Store, check bool, host string) {
	id, err := hostid.HostID()
	if err != nil {
		id, err = hostid.Fallback(hostIDStatePath)
		if err != nil {
			log.Fatal("no modem and no host identity", zap.Error(err))
		}
	}

	if err := st.Set(ctx, store.KeyHostIdentity, id); err != nil {
		log.Warn("failed to persist host identity", zap.Error(err))
	}
	if _, err := st.Get(ctx, store.KeyDeviceIdentity); err != nil {
		if err := st.Set(ctx, store.KeyDeviceIdentity, id); err != nil {
			log.Warn("failed to persist device identity", zap.Error(err))
		}
	}

	if !check {
		log.Fatal("modem not detected on usb bus", zap.String("identity", id))
	}

	if netcheck.Reachable(ctx, host) {
		fmt.Println("network up (no modem)")
		return
	}
	fmt.Println("network down (no modem)")
	os.Exit(1)
}
