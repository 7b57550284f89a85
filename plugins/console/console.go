// Package console turns lines written by the host into records. JSON lines
// (zerolog, slog and most structured loggers) are parsed for their level and
// message; plain lines use a keyword prefix or the configured default level.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"beacon/internal/plugin"
	"beacon/internal/severity"

	"github.com/valyala/fastjson"
)

const Category = "console"

const maxLine = 16 << 10

type Config struct {
	// DefaultLevel applies to lines without a recognizable level. Default INFO.
	DefaultLevel string `json:"default_level"`
}

type Plugin struct {
	plugin.Base

	parsers fastjson.ParserPool

	mu       sync.RWMutex
	defLevel severity.Level
}

func New() *Plugin { return &Plugin{defLevel: severity.Info} }

func (p *Plugin) Name() string { return "console" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return nil
}

func (p *Plugin) OnConfigChange(ctx context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	lvl := severity.Info
	if strings.TrimSpace(c.DefaultLevel) != "" {
		if lvl, err = severity.Parse(c.DefaultLevel); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.defLevel = lvl
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Destroy(ctx context.Context) error { return p.DestroyBase(ctx) }

// Wrap returns a writer that passes everything through to w (which may be
// nil) and reports each complete line. stream names the source in the
// record, e.g. "stdout".
func (p *Plugin) Wrap(w io.Writer, stream string) io.Writer {
	return &writer{p: p, next: w, stream: stream}
}

type writer struct {
	p      *Plugin
	next   io.Writer
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *writer) Write(b []byte) (int, error) {
	n := len(b)
	if w.next != nil {
		var err error
		if n, err = w.next.Write(b); err != nil {
			return n, err
		}
	}

	w.mu.Lock()
	w.buf = append(w.buf, b...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, bytes.Clone(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		lines = append(lines, bytes.Clone(w.buf))
		w.buf = w.buf[:0]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.p.line(w.stream, line)
	}
	return n, nil
}

func (p *Plugin) line(stream string, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	p.mu.RLock()
	def := p.defLevel
	p.mu.RUnlock()

	level, msg, ok := p.parseJSON(raw, def)
	if !ok {
		level, msg = parsePlain(string(raw), def)
	}
	if level == severity.Off {
		return
	}
	p.Report(level, plugin.Fields{
		Message:  msg,
		Category: Category,
		Extra:    map[string]any{"stream": stream},
	})
}

func (p *Plugin) parseJSON(raw []byte, def severity.Level) (severity.Level, string, bool) {
	if raw[0] != '{' {
		return 0, "", false
	}
	parser := p.parsers.Get()
	defer p.parsers.Put(parser)

	v, err := parser.ParseBytes(raw)
	if err != nil || v.Type() != fastjson.TypeObject {
		return 0, "", false
	}
	msg := string(v.GetStringBytes("message"))
	if msg == "" {
		msg = string(v.GetStringBytes("msg"))
	}
	if msg == "" {
		msg = string(raw)
	}
	level, ok := mapLevel(string(v.GetStringBytes("level")))
	if !ok {
		level = def
	}
	return level, msg, true
}

var plainPrefixes = []struct {
	prefix string
	level  severity.Level
}{
	{"error", severity.Error},
	{"err", severity.Error},
	{"fatal", severity.Error},
	{"panic", severity.Error},
	{"warning", severity.Warn},
	{"warn", severity.Warn},
	{"info", severity.Info},
	{"debug", severity.Debug},
}

func parsePlain(s string, def severity.Level) (severity.Level, string) {
	lower := strings.ToLower(s)
	for _, pp := range plainPrefixes {
		if !strings.HasPrefix(lower, pp.prefix) || len(s) == len(pp.prefix) {
			continue
		}
		if c := s[len(pp.prefix)]; c == ':' || c == ' ' || c == ']' {
			return pp.level, s
		}
	}
	if strings.HasPrefix(lower, "[") {
		if end := strings.IndexByte(lower, ']'); end > 1 {
			if l, ok := mapLevel(lower[1:end]); ok {
				return l, s
			}
		}
	}
	return def, s
}

// mapLevel understands zerolog, slog and syslog-ish names.
func mapLevel(s string) (severity.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error", "err", "fatal", "panic", "crit", "critical":
		return severity.Error, true
	case "warn", "warning":
		return severity.Warn, true
	case "info", "notice":
		return severity.Info, true
	case "debug", "trace":
		return severity.Debug, true
	}
	return 0, false
}
