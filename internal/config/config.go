// Package config loads the TOML configuration for the modem daemon and
// the one-shot control tool. All retry/backoff constants are tunables
// here, not hard-coded in the components.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// TOMLDuration lets durations appear as "15m" strings in the config.
type TOMLDuration time.Duration

func (d *TOMLDuration) UnmarshalText(b []byte) error {
	x, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = TOMLDuration(x)
	return nil
}

func (d TOMLDuration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d TOMLDuration) Value() time.Duration {
	return time.Duration(d)
}

type ModemConfig struct {
	Device    string       `toml:"device"`
	Baud      int          `toml:"baud"`
	ATTimeout TOMLDuration `toml:"at_timeout"`
}

type GPSConfig struct {
	// InitialRetries bounds the first acquisition at daemon start,
	// CycleRetries each periodic re-check.
	InitialRetries int          `toml:"initial_retries"`
	CycleRetries   int          `toml:"cycle_retries"`
	RetryDelay     TOMLDuration `toml:"retry_delay"`
	MaxHDOP        float64      `toml:"max_hdop"`
}

type DaemonConfig struct {
	PollPeriod   TOMLDuration `toml:"poll_period"`
	PingHost     string       `toml:"ping_host"`
	ReconnectMin TOMLDuration `toml:"reconnect_min"`
	ReconnectMax TOMLDuration `toml:"reconnect_max"`
	SetClock     bool         `toml:"set_clock"`
	ClockFlag    string       `toml:"clock_flag"`
	LocationFile string       `toml:"location_file"`
	SeedFile     string       `toml:"seed_file"`
}

type StoreConfig struct {
	Addr string `toml:"addr"`
	DB   int    `toml:"db"`
}

type MainConfig struct {
	Modem  ModemConfig  `toml:"modem"`
	GPS    GPSConfig    `toml:"gps"`
	Daemon DaemonConfig `toml:"daemon"`
	Store  StoreConfig  `toml:"store"`
}

// Default returns the configuration matching the deployed SixFab board.
func Default() *MainConfig {
	return &MainConfig{
		Modem: ModemConfig{
			Device:    "/dev/ttyUSB2",
			Baud:      115200,
			ATTimeout: TOMLDuration(10 * time.Second),
		},
		GPS: GPSConfig{
			InitialRetries: 30,
			CycleRetries:   2,
			RetryDelay:     TOMLDuration(10 * time.Second),
			MaxHDOP:        2.0,
		},
		Daemon: DaemonConfig{
			PollPeriod:   TOMLDuration(15 * time.Minute),
			PingHost:     "sixfab.com",
			ReconnectMin: TOMLDuration(5 * time.Second),
			ReconnectMax: TOMLDuration(5 * time.Minute),
			ClockFlag:    "/run/modems/clock_set",
			LocationFile: "/run/modems/location.json",
			SeedFile:     "/boot/modems/location.json",
		},
		Store: StoreConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads path over the defaults. A missing file is not an error, the
// defaults apply; a malformed file is.
func Load(path string) (*MainConfig, error) {
	conf := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return conf, conf.validate()
}

func (c *MainConfig) validate() error {
	if c.Modem.Device == "" {
		return fmt.Errorf("modem.device must not be empty")
	}
	if c.Modem.Baud <= 0 {
		return fmt.Errorf("modem.baud must be positive")
	}
	if c.Daemon.PollPeriod.Value() <= 0 {
		return fmt.Errorf("daemon.poll_period must be positive")
	}
	return nil
}
