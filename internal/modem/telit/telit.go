// Package telit encodes the LE910C4-specific command set on top of the
// generic AT driver: identity queries, clock access, GPS control and the
// ECM (Ethernet Control Mode) session commands.
package telit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/davidbonn/modems/internal/modem"
	"github.com/davidbonn/modems/internal/modem/telit/atparser"
)

const (
	// DefaultDevice is the management tty the LE910C4 exposes on the
	// SixFab carrier board.
	DefaultDevice = "/dev/ttyUSB2"
	DefaultBaud   = 115200
)

// Fix re-exports the parser's fix record; it is the GpsFix of the rest
// of the system.
type Fix = atparser.Fix

// ErrNoFix re-exports the no-fix sentinel.
var ErrNoFix = atparser.ErrNoFix

// Telit issues typed commands against one modem.
type Telit struct {
	drv *modem.Driver
}

func New(drv *modem.Driver) *Telit {
	return &Telit{drv: drv}
}

// Sync waits for the modem's command interpreter to answer, see
// modem.Driver.Sync.
func (t *Telit) Sync(ctx context.Context) error {
	return t.drv.Sync(ctx, 10)
}

// field executes cmd and extracts the single data line tagged prefix.
func (t *Telit) field(ctx context.Context, cmd, prefix string) (string, error) {
	resp, err := t.drv.Execute(ctx, modem.Request{Cmd: cmd})
	if err != nil {
		return "", err
	}

	v, ok := resp.Line(prefix)
	if !ok {
		return "", &modem.ProtocolError{Cmd: cmd, Line: strings.Join(resp.Lines, " | ")}
	}

	return v, nil
}

// ok executes cmd and only checks for command acceptance.
func (t *Telit) ok(ctx context.Context, cmd string) error {
	_, err := t.drv.Execute(ctx, modem.Request{Cmd: cmd})
	return err
}

// ICCID returns the SIM's integrated circuit card identifier.
func (t *Telit) ICCID(ctx context.Context) (string, error) {
	v, err := t.field(ctx, "AT+ICCID", "+ICCID:")
	if err != nil {
		return "", err
	}

	if v == "" || strings.IndexFunc(v, notDigit) >= 0 {
		return "", &modem.ProtocolError{Cmd: "AT+ICCID", Line: v}
	}

	return v, nil
}

func notDigit(r rune) bool { return r < '0' || r > '9' }

// IMEI returns the modem's equipment identity. The IMEISV reply carries
// two trailing software version digits which are dropped.
func (t *Telit) IMEI(ctx context.Context) (string, error) {
	v, err := t.field(ctx, "AT+IMEISV", "+IMEISV:")
	if err != nil {
		return "", err
	}

	if len(v) < 3 || strings.IndexFunc(v, notDigit) >= 0 {
		return "", &modem.ProtocolError{Cmd: "AT+IMEISV", Line: v}
	}

	return v[:len(v)-2], nil
}

// SignalQuality returns the received signal strength normalized to
// [0, 1]. ok is false when the modem has not computed a value yet.
func (t *Telit) SignalQuality(ctx context.Context) (float64, bool, error) {
	v, err := t.field(ctx, "AT+CSQ", "+CSQ:")
	if err != nil {
		return 0, false, err
	}

	rssiStr, _, found := strings.Cut(v, ",")
	if !found {
		return 0, false, &modem.ProtocolError{Cmd: "AT+CSQ", Line: v}
	}
	rssi, err := strconv.Atoi(rssiStr)
	if err != nil {
		return 0, false, &modem.ProtocolError{Cmd: "AT+CSQ", Line: v}
	}

	switch {
	case rssi <= 31:
		return float64(rssi) / 31, true, nil
	case rssi >= 100 && rssi <= 191:
		return float64(rssi-100) / 91, true, nil
	default:
		// 99 / 199: not known or not detectable
		return 0, false, nil
	}
}

// Clock reads the modem's real time clock, normalized to UTC.
func (t *Telit) Clock(ctx context.Context) (time.Time, error) {
	v, err := t.field(ctx, "AT+CCLK?", "+CCLK:")
	if err != nil {
		return time.Time{}, err
	}

	at, err := atparser.ParseClock(v)
	if err != nil {
		return time.Time{}, &modem.ProtocolError{Cmd: "AT+CCLK?", Line: v}
	}

	return at.UTC(), nil
}

// SetClock writes the modem's real time clock and verifies the value via
// a read-back query.
func (t *Telit) SetClock(ctx context.Context, when time.Time) error {
	cmd := fmt.Sprintf(`AT+CCLK="%s"`, atparser.FormatClock(when))
	if err := t.ok(ctx, cmd); err != nil {
		return err
	}

	got, err := t.Clock(ctx)
	if err != nil {
		return err
	}

	if drift := got.Sub(when.UTC()); drift < -5*time.Second || drift > 5*time.Second {
		return fmt.Errorf("clock readback off by %v", drift)
	}

	return nil
}

// GPSPower switches the GPS receiver on or off.
func (t *Telit) GPSPower(ctx context.Context, on bool) error {
	state := 0
	if on {
		state = 1
	}
	return t.ok(ctx, fmt.Sprintf("AT$GPSP=%d", state))
}

// GPSPowered reports whether the GPS receiver is currently powered.
func (t *Telit) GPSPowered(ctx context.Context) (bool, error) {
	v, err := t.field(ctx, "AT$GPSP?", "$GPSP:")
	if err != nil {
		return false, err
	}

	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, &modem.ProtocolError{Cmd: "AT$GPSP?", Line: v}
	}
}

// Position polls the current GPS position. ErrNoFix is returned while
// the receiver has no usable lock.
func (t *Telit) Position(ctx context.Context) (*Fix, error) {
	v, err := t.field(ctx, "AT$GPSACP", "$GPSACP:")
	if err != nil {
		return nil, err
	}

	fix, err := atparser.ParseGPSACP(v)
	if err != nil {
		if err == atparser.ErrNoFix {
			return nil, err
		}
		return nil, &modem.ProtocolError{Cmd: "AT$GPSACP", Line: v}
	}

	return fix, nil
}

// ECMStart brings the Ethernet Control Mode session online on context 1.
func (t *Telit) ECMStart(ctx context.Context) error {
	return t.ok(ctx, "AT#ECM=1,0")
}

// ECMStop takes the Ethernet Control Mode session offline.
func (t *Telit) ECMStop(ctx context.Context) error {
	return t.ok(ctx, "AT#ECMD=0")
}

// ECMConfig returns the raw ECM session configuration fields.
func (t *Telit) ECMConfig(ctx context.Context) ([]string, error) {
	v, err := t.field(ctx, "AT#ECMC?", "#ECMC:")
	if err != nil {
		return nil, err
	}

	fields, err := atparser.ParseECMC(v)
	if err != nil {
		return nil, &modem.ProtocolError{Cmd: "AT#ECMC?", Line: v}
	}

	return fields, nil
}

// ECMUp reports whether the ECM session is established.
func (t *Telit) ECMUp(ctx context.Context) (bool, error) {
	fields, err := t.ECMConfig(ctx)
	if err != nil {
		return false, err
	}

	return fields[1] == "1", nil
}

// USBConfig reads the USB composition index.
func (t *Telit) USBConfig(ctx context.Context) (int, error) {
	v, err := t.field(ctx, "AT#USBCFG?", "#USBCFG:")
	if err != nil {
		return 0, err
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &modem.ProtocolError{Cmd: "AT#USBCFG?", Line: v}
	}

	return n, nil
}

// SetUSBConfig selects the USB composition. The modem reboots afterwards
// on its own; composition 4 is the one exposing the ECM function.
func (t *Telit) SetUSBConfig(ctx context.Context, value int) error {
	return t.ok(ctx, fmt.Sprintf("AT#USBCFG=%d", value))
}

// PDPContext is the packet data context the ECM session attaches to.
type PDPContext struct {
	CID   int
	Proto string
	APN   string
}

// PDPContext returns the definition of context 1.
func (t *Telit) PDPContext(ctx context.Context) (*PDPContext, error) {
	resp, err := t.drv.Execute(ctx, modem.Request{Cmd: "AT+CGDCONT?"})
	if err != nil {
		return nil, err
	}

	for _, l := range resp.Lines {
		rest, ok := strings.CutPrefix(l, "+CGDCONT:")
		if !ok {
			continue
		}

		fields := strings.Split(strings.TrimSpace(rest), ",")
		if len(fields) < 3 || fields[0] != "1" {
			continue
		}

		return &PDPContext{
			CID:   1,
			Proto: atparser.StripQuotes(fields[1]),
			APN:   atparser.StripQuotes(fields[2]),
		}, nil
	}

	return nil, &modem.ProtocolError{Cmd: "AT+CGDCONT?", Line: strings.Join(resp.Lines, " | ")}
}

// SetPDPContext defines context 1, e.g. proto "IP" and the carrier APN.
func (t *Telit) SetPDPContext(ctx context.Context, proto, apn string) error {
	return t.ok(ctx, fmt.Sprintf(`AT+CGDCONT=1,"%s","%s"`, proto, apn))
}

// Reboot restarts the modem firmware. The serial device node drops and
// re-enumerates, so the caller must rebuild the handle afterwards.
func (t *Telit) Reboot(ctx context.Context) error {
	return t.ok(ctx, "AT#REBOOT")
}
