package store

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"
)

// WorstHDOP is the sentinel dilution written for seeded locations so any
// real fix replaces them.
const WorstHDOP = 9999.99

// Location is the on-disk mirror of the latest fix. External consumers
// parse this document, so the field set is part of the interface.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`
	HDOP      float64   `json:"hdop"`
	Quality   int       `json:"quality"`
	Time      time.Time `json:"timestamp"`
}

// LocationFile reads and atomically rewrites the location document.
type LocationFile struct {
	Path string
}

func (lf *LocationFile) Read() (*Location, error) {
	data, err := os.ReadFile(lf.Path)
	if err != nil {
		return nil, err
	}

	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

// Write replaces the document via temp file + rename so a reader never
// observes a partially written file.
func (lf *LocationFile) Write(loc *Location) error {
	if err := os.MkdirAll(filepath.Dir(lf.Path), 0755); err != nil {
		return err
	}

	data, err := json.Marshal(loc)
	if err != nil {
		return err
	}

	// The temp file must live in the target directory, rename is only
	// atomic within one filesystem.
	tmp, err := os.CreateTemp(filepath.Dir(lf.Path), ".location-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return os.Rename(tmp.Name(), lf.Path)
}

// Update rewrites the document only when the new reading improves on the
// stored one: better dilution, or same-or-better dilution with moved
// coordinates. Reports whether a write happened.
func (lf *LocationFile) Update(loc *Location) (bool, error) {
	current, err := lf.Read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt document is replaced rather than trusted
		current = nil
	}

	if current != nil {
		if loc.HDOP > current.HDOP {
			return false, nil
		}
		if loc.HDOP == current.HDOP && coordsClose(current, loc) {
			return false, nil
		}
	}

	if err := lf.Write(loc); err != nil {
		return false, err
	}
	return true, nil
}

// coordsClose compares coordinates at roughly four-decimal resolution.
func coordsClose(a, b *Location) bool {
	return math.Abs(a.Latitude-b.Latitude) < 1e-4 &&
		math.Abs(a.Longitude-b.Longitude) < 1e-4
}
