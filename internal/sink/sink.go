// Package sink decides which telemetry records are delivered immediately and
// which are held in a bounded buffer until a flush.
//
// Records at or above the report level go straight to the Delivery. Lower
// records wait in the storage queue; once it exceeds MaxStorageCount the
// oldest entry moves to the removed list, which is itself flushed as a batch
// when it grows past MaxStorageCount. The removed-list check runs before the
// push, so the list can hold MaxStorageCount+1 entries until the next eviction.
package sink

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"beacon/internal/clock"
	"beacon/internal/severity"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

type Sink struct {
	log     logx.Logger
	clock   clock.Clock
	origin  time.Time
	journal storage.Store
	pending []Options

	mu             sync.Mutex
	cfg            config
	fingerprint    string
	oldFingerprint string
	queue          []Record
	removed        []Record
}

func New(log logx.Logger, opts ...Option) *Sink {
	s := &Sink{
		log:   log.With(logx.String("component", "sink")),
		clock: clock.Real(),
		cfg:   defaultConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	s.origin = s.clock.Now()
	for _, o := range s.pending {
		s.Init(o)
	}
	s.pending = nil
	return s
}

// Init merges o into the current config and installs o.Fingerprint if set.
func (s *Sink) Init(o Options) {
	s.mu.Lock()
	s.cfg.merge(o)
	s.mu.Unlock()
	if o.Fingerprint != nil {
		s.SetFingerprint(*o.Fingerprint)
	}
}

// UpdateConfig merges o and re-applies the effective report level, so a
// lowered threshold releases buffered records immediately.
func (s *Sink) UpdateConfig(o Options) {
	s.mu.Lock()
	s.cfg.merge(o)
	level := s.cfg.reportLevel
	changed := o.Fingerprint != nil && *o.Fingerprint != s.fingerprint
	s.mu.Unlock()

	if changed {
		s.SetFingerprint(*o.Fingerprint)
	}
	s.UpdateReportLevel(level)
}

// SetFingerprint rotates the identifier: the current one becomes the old one.
func (s *Sink) SetFingerprint(id string) {
	s.mu.Lock()
	s.oldFingerprint = s.fingerprint
	s.fingerprint = id
	s.mu.Unlock()
}

func (s *Sink) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

func (s *Sink) ReportLevel() severity.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.reportLevel
}

func (s *Sink) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.enabled
}

// Log stamps r and either reports it or buffers it. A disabled sink drops
// records silently.
func (s *Sink) Log(r Record) {
	s.mu.Lock()
	if !s.cfg.enabled {
		s.mu.Unlock()
		return
	}
	r = s.stampLocked(r)

	var out []Payload
	if r.Level.AtLeast(s.cfg.reportLevel) {
		out = append(out, Single(r))
	} else {
		s.queue = append(s.queue, r)
		if len(s.queue) > s.cfg.maxStorageCount {
			evicted := s.queue[0]
			s.queue = slices.Delete(s.queue, 0, 1)
			if len(s.removed) > s.cfg.maxStorageCount && len(s.removed) > 0 {
				out = append(out, Payload{Records: s.removed, Batch: true})
				s.removed = nil
			}
			s.removed = append(s.removed, evicted)
		}
	}
	d := s.cfg.delivery
	s.mu.Unlock()

	s.reportAll(d, out)
}

// UpdateReportLevel sets the threshold and reports every queued record that
// now qualifies, one by one in insertion order. The rest stay queued in order.
func (s *Sink) UpdateReportLevel(level severity.Level) {
	s.mu.Lock()
	s.cfg.reportLevel = level
	var out []Payload
	kept := s.queue[:0]
	for _, r := range s.queue {
		if r.Level.AtLeast(level) {
			out = append(out, Single(r))
			continue
		}
		kept = append(kept, r)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	d := s.cfg.delivery
	s.mu.Unlock()

	s.reportAll(d, out)
}

// ReportStorageQueue delivers the storage queue as one batch and clears it.
func (s *Sink) ReportStorageQueue() {
	s.mu.Lock()
	p, ok := drain(&s.queue)
	d := s.cfg.delivery
	s.mu.Unlock()
	if ok {
		s.report(d, p)
	}
}

// ReportRemovedItems delivers the removed list as one batch and clears it.
func (s *Sink) ReportRemovedItems() {
	s.mu.Lock()
	p, ok := drain(&s.removed)
	d := s.cfg.delivery
	s.mu.Unlock()
	if ok {
		s.report(d, p)
	}
}

// ReportRestInfo flushes both buffers.
func (s *Sink) ReportRestInfo() {
	s.ReportStorageQueue()
	s.ReportRemovedItems()
}

// Destroy empties the storage queue. The removed list is left as is.
func (s *Sink) Destroy() {
	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

func (s *Sink) StorageLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Sink) RemovedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.removed)
}

// State is a point-in-time copy of the sink for diagnostics.
type State struct {
	ReportLevel     severity.Level
	Enabled         bool
	MaxStorageCount int
	Platform        string
	Fingerprint     string
	OldFingerprint  string
	StorageQueue    []Record
	RemovedItems    []Record
}

func (s *Sink) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		ReportLevel:     s.cfg.reportLevel,
		Enabled:         s.cfg.enabled,
		MaxStorageCount: s.cfg.maxStorageCount,
		Platform:        s.cfg.platform,
		Fingerprint:     s.fingerprint,
		OldFingerprint:  s.oldFingerprint,
		StorageQueue:    slices.Clone(s.queue),
		RemovedItems:    slices.Clone(s.removed),
	}
}

// stampLocked returns the copy the sink keeps. Maps are cloned so later
// writes by the caller never reach a buffered or in-flight record.
func (s *Sink) stampLocked(r Record) Record {
	now := s.clock.Now()
	r.Extra = maps.Clone(r.Extra)
	r.Device = maps.Clone(r.Device)
	r.Navigator = maps.Clone(r.Navigator)
	r.Fingerprint = s.fingerprint
	r.OldFingerprint = s.oldFingerprint
	r.Platform = s.cfg.platform
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if r.Uptime == 0 {
		r.Uptime = now.Sub(s.origin)
	}
	return r
}

func drain(buf *[]Record) (Payload, bool) {
	if len(*buf) == 0 {
		return Payload{}, false
	}
	p := Payload{Records: *buf, Batch: true}
	*buf = nil
	return p, true
}

func (s *Sink) reportAll(d Delivery, out []Payload) {
	for _, p := range out {
		s.report(d, p)
	}
}

func (s *Sink) report(d Delivery, p Payload) {
	if d == nil {
		s.logLocally(p)
		return
	}
	if err := s.safeDeliver(d, p); err != nil {
		s.log.Warn("telemetry delivery failed",
			logx.Int("records", p.Len()),
			logx.Bool("batch", p.Batch),
			logx.Err(err),
		)
		s.journalFailure(p, err)
	}
}

func (s *Sink) safeDeliver(d Delivery, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("delivery panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()
	return d.Deliver(context.Background(), p)
}

func (s *Sink) journalFailure(p Payload, cause error) {
	if s.journal == nil || p.Len() == 0 {
		return
	}
	first := p.Records[0]
	entry := storage.FailureEntry{
		Time:     s.clock.Now(),
		Source:   "sink",
		Records:  p.Len(),
		Batch:    p.Batch,
		Level:    first.Level.String(),
		Category: first.Category,
		Error:    cause.Error(),
		Attempts: 1,
	}
	if err := s.journal.AppendFailure(context.Background(), entry); err != nil {
		s.log.Debug("failure journal write failed", logx.Err(err))
	}
}

func (s *Sink) logLocally(p Payload) {
	for _, r := range p.Records {
		s.log.Log(levelFor(r.Level), r.Message,
			logx.String("severity", r.Level.String()),
			logx.String("category", r.Category),
			logx.String("plugin", r.PluginName),
			logx.Bool("batch", p.Batch),
			logx.Any("extra", r.Extra),
		)
	}
}
