package sink

import (
	"context"
	"time"

	"beacon/internal/severity"
)

// Record is one telemetry log entry. The sink stamps identity and timing on
// its own copy; callers fill Level, Message, Category and Extra.
type Record struct {
	Level          severity.Level    `json:"level"`
	Message        string            `json:"message,omitempty"`
	Category       string            `json:"logCategory,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Uptime         time.Duration     `json:"uptime"`
	PluginName     string            `json:"pluginName,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	OldFingerprint string            `json:"oldFingerprint,omitempty"`
	Platform       string            `json:"platform,omitempty"`
	Device         map[string]string `json:"device,omitempty"`
	Navigator      map[string]string `json:"navigator,omitempty"`
	Extra          map[string]any    `json:"extra,omitempty"`
}

// Payload is one delivery: a single record, or a batch flushed from a buffer.
type Payload struct {
	Records []Record
	Batch   bool
}

func (p Payload) Len() int { return len(p.Records) }

// Single wraps one record in a non-batch payload.
func Single(r Record) Payload { return Payload{Records: []Record{r}} }

// Delivery hands payloads to whatever transports them. Implementations may
// finish asynchronously; only the returned error is observed.
type Delivery interface {
	Deliver(ctx context.Context, p Payload) error
}

type DeliveryFunc func(ctx context.Context, p Payload) error

func (f DeliveryFunc) Deliver(ctx context.Context, p Payload) error { return f(ctx, p) }
