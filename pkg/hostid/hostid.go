// Package hostid derives a stable identifier for the host board, used
// as the device identity when no modem (and thus no SIM) is attached.
package hostid

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const cpuinfoPath = "/proc/cpuinfo"

// Pi revision codes 11 and up are the Pi 4 family.
const pi4TypeThreshold = 11

// HostID returns "pi:<serial>" or "pi4:<serial>" from the board's CPU
// serial number, or an error when the board does not expose one.
func HostID() (string, error) {
	data, err := os.ReadFile(cpuinfoPath)
	if err != nil {
		return "", err
	}
	return parseCPUInfo(string(data))
}

func parseCPUInfo(content string) (string, error) {
	var serial uint64
	var revision uint64
	haveSerial := false
	haveRevision := false

	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "Serial":
			if v, err := strconv.ParseUint(value, 16, 64); err == nil {
				serial = v
				haveSerial = true
			}
		case "Revision":
			if v, err := strconv.ParseUint(value, 16, 64); err == nil {
				revision = v
				haveRevision = true
			}
		}
	}

	if !haveSerial {
		return "", fmt.Errorf("no cpu serial in %s", cpuinfoPath)
	}

	prefix := "pi"
	if haveRevision {
		piType := (revision & 0b0111111110000) >> 4
		if piType >= pi4TypeThreshold {
			prefix = "pi4"
		}
	}

	return fmt.Sprintf("%s:%d", prefix, serial), nil
}

// Fallback returns a persisted random identifier for boards without a
// readable CPU serial, generating and saving one on first use.
func Fallback(statePath string) (string, error) {
	if data, err := os.ReadFile(statePath); err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := "host:" + uuid.NewString()

	if err := os.MkdirAll(filepath.Dir(statePath), 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(statePath, []byte(id+"\n"), 0644); err != nil {
		return "", err
	}

	return id, nil
}
