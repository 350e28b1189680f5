// Package sysclock sets the OS clock. Done via date(1) because the time
// sync daemon is not running yet when the modem clock is read.
package sysclock

import (
	"fmt"
	"os/exec"
	"time"
)

// Set writes t into the system clock as UTC.
func Set(t time.Time) error {
	// date's MMDDhhmmCCYY.ss stamp format
	stamp := t.UTC().Format("010215042006.05")

	out, err := exec.Command("date", "--utc", stamp).CombinedOutput()
	if err != nil {
		return fmt.Errorf("date --utc %s: %w (%s)", stamp, err, out)
	}

	return nil
}
