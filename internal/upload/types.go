package upload

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("upload disabled")
	ErrQueueFull = errors.New("upload queue full")
	ErrStopped   = errors.New("upload stopped")
)

// Config controls the async upload pipeline.
type Config struct {
	Enabled       bool
	Endpoint      string
	APIKey        string
	InstanceID    string // generated when empty
	Codec         string // "json" (default) or "cbor"
	Compression   string // "none" (default), "gzip" or "zstd"
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Timeout       time.Duration
}

// Stats are cumulative counters since construction.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Retries uint64 `json:"retries"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("ingest responded %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("ingest responded %d", e.Code)
}
