// Package atparser holds the pure parsers for the LE910C4's structured
// replies. Nothing here touches the transport, which keeps the grammar
// testable without hardware.
package atparser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoFix marks the modem's "position unknown" sentinel, a $GPSACP
// record with empty coordinate fields or without a 2D/3D lock.
var ErrNoFix = errors.New("no gps fix")

// Telit fix indicator values.
const (
	FixNone = 0
	Fix2D   = 2
	Fix3D   = 3
)

// Fix is one GPS position reading.
type Fix struct {
	Latitude    float64
	Longitude   float64
	Altitude    float64
	HDOP        float64
	Quality     int // Telit fix indicator, 2 = 2D lock, 3 = 3D lock
	Course      float64
	SpeedKmh    float64
	SatsGPS     int
	SatsGlonass int
	Time        time.Time // UTC
}

// Valid reports whether the reading has at least a 2D lock.
func (f *Fix) Valid() bool {
	return f != nil && f.Quality >= Fix2D
}

// ParseGPSACP decodes the argument of a "$GPSACP:" reply:
//
//	hhmmss.sss,ddmm.mmmm[NS],dddmm.mmmm[EW],hdop,alt,fix,cog,spkm,spkn,ddmmyy,nsat_gps,nsat_glonass
//
// Empty coordinate fields or a fix indicator below 2 yield ErrNoFix.
func ParseGPSACP(payload string) (*Fix, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != 12 {
		return nil, fmt.Errorf("gpsacp: expected 12 fields, got %d in %q", len(fields), payload)
	}

	if fields[1] == "" || fields[2] == "" {
		return nil, ErrNoFix
	}

	quality, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("gpsacp: bad fix indicator %q", fields[5])
	}
	if quality < Fix2D {
		return nil, ErrNoFix
	}

	lat, err := ParseLatitude(fields[1])
	if err != nil {
		return nil, err
	}
	lon, err := ParseLongitude(fields[2])
	if err != nil {
		return nil, err
	}

	fix := &Fix{Latitude: lat, Longitude: lon, Quality: quality}

	if fix.HDOP, err = strconv.ParseFloat(fields[3], 64); err != nil {
		return nil, fmt.Errorf("gpsacp: bad hdop %q", fields[3])
	}
	if fix.Altitude, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return nil, fmt.Errorf("gpsacp: bad altitude %q", fields[4])
	}

	// Course and speed may be absent on a fresh lock
	if fields[6] != "" {
		fix.Course, _ = strconv.ParseFloat(fields[6], 64)
	}
	if fields[7] != "" {
		fix.SpeedKmh, _ = strconv.ParseFloat(fields[7], 64)
	}
	fix.SatsGPS, _ = strconv.Atoi(fields[10])
	fix.SatsGlonass, _ = strconv.Atoi(fields[11])

	if fix.Time, err = parseFixTime(fields[9], fields[0]); err != nil {
		return nil, err
	}

	return fix, nil
}

// ParseLatitude converts the modem's ddmm.mmmm[NS] form into signed
// fractional degrees.
func ParseLatitude(lat string) (float64, error) {
	return parseAngle(lat, 2, 'N', 'S')
}

// ParseLongitude converts the modem's dddmm.mmmm[EW] form into signed
// fractional degrees.
func ParseLongitude(lon string) (float64, error) {
	return parseAngle(lon, 3, 'E', 'W')
}

func parseAngle(s string, degDigits int, pos, neg byte) (float64, error) {
	if len(s) < degDigits+2 {
		return 0, fmt.Errorf("angle too short: %q", s)
	}

	var sign float64
	switch s[len(s)-1] {
	case pos:
		sign = 1
	case neg:
		sign = -1
	default:
		return 0, fmt.Errorf("bad hemisphere in %q", s)
	}

	deg, err := strconv.Atoi(s[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("bad degrees in %q", s)
	}
	mins, err := strconv.ParseFloat(s[degDigits:len(s)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("bad minutes in %q", s)
	}

	return sign * (float64(deg) + mins/60), nil
}

// parseFixTime combines the ddmmyy date and hhmmss.sss time fields into
// a UTC timestamp. Fractional seconds are dropped.
func parseFixTime(date, clock string) (time.Time, error) {
	if dot := strings.IndexByte(clock, '.'); dot >= 0 {
		clock = clock[:dot]
	}

	t, err := time.ParseInLocation("020106 150405", date+" "+clock, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("gpsacp: bad timestamp %q %q", date, clock)
	}
	return t, nil
}

// ParseClock decodes a "+CCLK:" value of the form "yy/MM/dd,hh:mm:ss±zz"
// where zz is the zone offset in quarter hours.
func ParseClock(payload string) (time.Time, error) {
	s := StripQuotes(strings.TrimSpace(payload))
	if len(s) != 20 {
		return time.Time{}, fmt.Errorf("cclk: unexpected length in %q", payload)
	}

	quarters, err := strconv.Atoi(s[17:])
	if err != nil {
		return time.Time{}, fmt.Errorf("cclk: bad zone offset in %q", payload)
	}

	zone := time.FixedZone("modem", quarters*15*60)
	t, err := time.ParseInLocation("06/01/02,15:04:05", s[:17], zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("cclk: bad timestamp %q", payload)
	}

	return t, nil
}

// FormatClock renders t in the "+CCLK" wire form, always as UTC.
func FormatClock(t time.Time) string {
	return t.UTC().Format("06/01/02,15:04:05") + "+00"
}

// ParseECMC decodes an "#ECMC:" reply into its comma separated fields
// with quotes stripped. The second field is "1" when the ECM session is
// up.
func ParseECMC(payload string) ([]string, error) {
	fields := strings.Split(payload, ",")
	if len(fields) < 5 {
		return nil, fmt.Errorf("ecmc: expected at least 5 fields in %q", payload)
	}

	for i, f := range fields {
		fields[i] = StripQuotes(f)
	}

	return fields, nil
}

// StripQuotes removes one pair of surrounding double quotes, if present.
func StripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
