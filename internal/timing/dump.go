package timing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const dumpMode = 0o644

// record is one event in the dump. Times are fractional Unix seconds.
type record struct {
	Name    string            `json:"name"`
	Start   float64           `json:"start"`
	Stop    *float64          `json:"stop,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (t *Timing) records() []record {
	events := t.Events()
	out := make([]record, 0, len(events))
	for _, e := range events {
		r := record{Name: e.Name, Start: unixSeconds(e.Start), Details: e.Details}
		if !e.Stop.IsZero() {
			s := unixSeconds(e.Stop)
			r.Stop = &s
		}
		out = append(out, r)
	}
	return out
}

// Write dumps the events as a JSON array to path. The dump is staged next to
// path and renamed over it, so readers never see a partial file.
func (t *Timing) Write(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("timing: %w", err)
	}
	staged := f.Name()
	defer os.Remove(staged)

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t.records()); err != nil {
		f.Close()
		return fmt.Errorf("timing: encoding dump: %w", err)
	}
	if err := f.Chmod(dumpMode); err != nil {
		f.Close()
		return fmt.Errorf("timing: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("timing: %w", err)
	}
	return os.Rename(staged, path)
}
