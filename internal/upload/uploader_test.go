package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"beacon/internal/severity"
	"beacon/internal/sink"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type captured struct {
	path     string
	header   http.Header
	body     []byte
	encoding string
}

type collector struct {
	mu    sync.Mutex
	reqs  []captured
	codes []int // per-request status; last one repeats
	reply string
	got   chan struct{}
}

func newCollector(codes ...int) *collector {
	if len(codes) == 0 {
		codes = []int{http.StatusOK}
	}
	return &collector{codes: codes, got: make(chan struct{}, 64)}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.reqs = append(c.reqs, captured{path: r.URL.Path, header: r.Header.Clone(), body: b, encoding: r.Header.Get("Content-Encoding")})
	i := min(len(c.reqs)-1, len(c.codes)-1)
	code := c.codes[i]
	reply := c.reply
	c.mu.Unlock()

	w.WriteHeader(code)
	_, _ = io.WriteString(w, reply)
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("collector did not receive %d requests", n)
		}
	}
}

func (c *collector) requests() []captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]captured(nil), c.reqs...)
}

type memStore struct {
	mu      sync.Mutex
	entries []storage.FailureEntry
	added   chan struct{}
}

func newMemStore() *memStore { return &memStore{added: make(chan struct{}, 16)} }

func (m *memStore) AppendFailure(_ context.Context, e storage.FailureEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	m.added <- struct{}{}
	return nil
}

func (m *memStore) RecentFailures(context.Context, int) ([]storage.FailureEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.FailureEntry(nil), m.entries...), nil
}

func (m *memStore) Close() error { return nil }

func testConfig(endpoint string) Config {
	return Config{
		Enabled:       true,
		Endpoint:      endpoint + "/api/ingest/",
		APIKey:        "secret",
		InstanceID:    "inst-1",
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
		Timeout:       time.Second,
	}
}

func startUploader(t *testing.T, cfg Config, store storage.Store) *Uploader {
	t.Helper()
	u := New(cfg, nil, logx.Nop(), store)
	u.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		u.Stop(ctx)
	})
	return u
}

func payload(batch bool, msgs ...string) sink.Payload {
	p := sink.Payload{Batch: batch}
	for _, m := range msgs {
		p.Records = append(p.Records, sink.Record{Level: severity.Info, Message: m, Category: "route"})
	}
	return p
}

func TestSingleAndBatchShapes(t *testing.T) {
	col := newCollector()
	srv := httptest.NewServer(col)
	defer srv.Close()

	u := startUploader(t, testConfig(srv.URL), nil)
	if err := u.Deliver(context.Background(), payload(false, "one")); err != nil {
		t.Fatalf("Deliver single: %v", err)
	}
	col.wait(t, 1)
	if err := u.Deliver(context.Background(), payload(true, "a", "b")); err != nil {
		t.Fatalf("Deliver batch: %v", err)
	}
	col.wait(t, 1)

	reqs := col.requests()
	if reqs[0].path != "/api/ingest" || reqs[1].path != "/api/ingest/batch" {
		t.Fatalf("paths = %q, %q", reqs[0].path, reqs[1].path)
	}

	var single map[string]any
	if err := json.Unmarshal(reqs[0].body, &single); err != nil {
		t.Fatalf("single body is not an object: %v (%s)", err, reqs[0].body)
	}
	if single["logCategory"] != "route" || single["level"] != "INFO" {
		t.Fatalf("single = %v", single)
	}

	var batch []map[string]any
	if err := json.Unmarshal(reqs[1].body, &batch); err != nil || len(batch) != 2 {
		t.Fatalf("batch body = %s (%v)", reqs[1].body, err)
	}

	h := reqs[0].header
	if h.Get("Authorization") != "Bearer secret" || h.Get("X-Instance-ID") != "inst-1" {
		t.Fatalf("headers = %v", h)
	}
	if reqs[0].header.Get("X-Batch-ID") == "" || reqs[0].header.Get("X-Batch-ID") == reqs[1].header.Get("X-Batch-ID") {
		t.Fatal("each payload needs its own batch id")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	col := newCollector(http.StatusServiceUnavailable, http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	u := startUploader(t, testConfig(srv.URL), nil)
	_ = u.Deliver(context.Background(), payload(false, "x"))
	col.wait(t, 2)

	deadline := time.Now().Add(2 * time.Second)
	for u.Stats().Sent != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := u.Stats(); st.Sent != 1 || st.Retries != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	col := newCollector(http.StatusBadRequest)
	col.reply = `{"error":"schema mismatch"}`
	srv := httptest.NewServer(col)
	defer srv.Close()

	store := newMemStore()
	u := startUploader(t, testConfig(srv.URL), store)
	_ = u.Deliver(context.Background(), payload(true, "x", "y"))
	col.wait(t, 1)

	select {
	case <-store.added:
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not journaled")
	}
	if n := len(col.requests()); n != 1 {
		t.Fatalf("requests = %d, want 1", n)
	}
	entries, _ := store.RecentFailures(context.Background(), 10)
	e := entries[0]
	if e.Source != "upload" || e.Records != 2 || !e.Batch || e.Attempts != 1 {
		t.Fatalf("entry = %+v", e)
	}
	if e.Error != "ingest responded 400: schema mismatch" {
		t.Fatalf("entry error = %q", e.Error)
	}
}

func TestVerdictOverridesStatus(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		want bool
	}{
		{"5xx default", 502, "", true},
		{"429 default", 429, "", true},
		{"408 default", 408, "", true},
		{"404 default", 404, "not found", false},
		{"5xx told not to retry", 500, `{"retryable":false}`, false},
		{"4xx told to retry", 409, `{"retryable":true,"error":"busy"}`, true},
		{"garbage body", 503, `{"retryable":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusError(tt.code, []byte(tt.body)).Retryable; got != tt.want {
				t.Fatalf("retryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	for _, comp := range []string{CompressionGzip, CompressionZstd} {
		t.Run(comp, func(t *testing.T) {
			col := newCollector()
			srv := httptest.NewServer(col)
			defer srv.Close()

			cfg := testConfig(srv.URL)
			cfg.Compression = comp
			u := startUploader(t, cfg, nil)
			_ = u.Deliver(context.Background(), payload(true, "z"))
			col.wait(t, 1)

			req := col.requests()[0]
			if req.encoding != comp {
				t.Fatalf("Content-Encoding = %q", req.encoding)
			}
			var raw []byte
			switch comp {
			case CompressionGzip:
				zr, err := gzip.NewReader(bytes.NewReader(req.body))
				if err != nil {
					t.Fatalf("gzip reader: %v", err)
				}
				raw, _ = io.ReadAll(zr)
			case CompressionZstd:
				zr, err := zstd.NewReader(nil)
				if err != nil {
					t.Fatalf("zstd reader: %v", err)
				}
				defer zr.Close()
				raw, err = zr.DecodeAll(req.body, nil)
				if err != nil {
					t.Fatalf("zstd decode: %v", err)
				}
			}
			if !bytes.Contains(raw, []byte(`"message":"z"`)) {
				t.Fatalf("decoded body = %s", raw)
			}
		})
	}
}

func TestCBORCodec(t *testing.T) {
	b, err := encodePayload(payload(false, "c"), CodecCBOR, "")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if b.contentType != "application/cbor" {
		t.Fatalf("content type = %q", b.contentType)
	}
	var got map[string]any
	if err := cborDec.Unmarshal(b.data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["message"] != "c" || got["level"] != "INFO" || got["logCategory"] != "route" {
		t.Fatalf("decoded = %v", got)
	}
}

func TestDeliverStates(t *testing.T) {
	u := New(Config{Enabled: false}, nil, logx.Nop(), nil)
	if err := u.Deliver(context.Background(), payload(false, "x")); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled Deliver = %v", err)
	}

	u = New(Config{Enabled: true, Endpoint: "http://127.0.0.1:1"}, nil, logx.Nop(), nil)
	if err := u.Deliver(context.Background(), payload(false, "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("not-started Deliver = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	var release atomic.Bool
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !release.Load() {
			<-block
		}
	}))
	defer srv.Close()
	defer func() {
		release.Store(true)
		close(block)
	}()

	cfg := testConfig(srv.URL)
	cfg.QueueSize = 1
	u := startUploader(t, cfg, nil)

	var full bool
	for range 10 {
		if err := u.Deliver(context.Background(), payload(false, "x")); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull with a stalled collector")
	}
	if u.Stats().Dropped == 0 {
		t.Fatal("dropped counter not incremented")
	}
}

func TestGeneratedInstanceID(t *testing.T) {
	u := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	if len(u.InstanceID()) != 36 {
		t.Fatalf("instance id = %q", u.InstanceID())
	}
}
