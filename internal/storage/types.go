package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the failure journal.
//
// Driver values:
//   - "file": JSON Lines file, compacted to the newest MaxEntries
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEntries  int           // 0 means DefaultMaxEntries
}

const DefaultMaxEntries = 10000

// FailureEntry describes one payload that could not be delivered.
// Keep it compact and schema-stable.
type FailureEntry struct {
	Time     time.Time `json:"time"`
	Source   string    `json:"source"` // "sink" or "upload"
	BatchID  string    `json:"batch_id,omitempty"`
	Records  int       `json:"records"`
	Batch    bool      `json:"batch"`
	Level    string    `json:"level,omitempty"`
	Category string    `json:"category,omitempty"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
}

func (c Config) maxEntries() int {
	if c.MaxEntries <= 0 {
		return DefaultMaxEntries
	}
	return c.MaxEntries
}
