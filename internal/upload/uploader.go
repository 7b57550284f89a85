package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "beacon/internal/runtime/supervisor"
	"beacon/internal/sink"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type job struct {
	p       sink.Payload
	batchID string
}

// Uploader implements sink.Delivery against the ingestion service.
//
// It is safe for concurrent use.
type Uploader struct {
	mu sync.Mutex

	log    logx.Logger
	store  storage.Store
	client *http.Client

	cfg        Config
	instanceID string
	limiter    *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	queued, sent, failed, dropped, retries atomic.Uint64
}

var _ sink.Delivery = (*Uploader)(nil)

// New builds an uploader. client may be nil (http.DefaultClient transport
// with the configured timeout per request).
func New(cfg Config, client *http.Client, log logx.Logger, store storage.Store) *Uploader {
	if log.IsZero() {
		log = logx.Nop()
	}
	if client == nil {
		client = &http.Client{}
	}
	u := &Uploader{
		log:    log.With(logx.String("component", "upload")),
		store:  store,
		client: client,
	}
	u.applyLocked(cfg)
	return u
}

func (u *Uploader) InstanceID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.instanceID
}

func (u *Uploader) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cfg.Enabled
}

// Apply swaps config. Workers and QueueSize take effect on the next Start.
func (u *Uploader) Apply(cfg Config) {
	u.mu.Lock()
	u.applyLocked(cfg)
	u.mu.Unlock()
}

func (u *Uploader) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")

	switch {
	case strings.TrimSpace(cfg.InstanceID) != "":
		u.instanceID = strings.TrimSpace(cfg.InstanceID)
	case u.instanceID == "":
		u.instanceID = uuid.NewString()
	}

	u.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	u.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (u *Uploader) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	u.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if u.stopDone != nil {
		done := u.stopDone
		u.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		u.mu.Lock()
	}
	if u.queue != nil || !u.cfg.Enabled {
		u.mu.Unlock()
		return
	}

	u.queue = make(chan job, u.cfg.QueueSize)
	u.accepting = true
	workers := u.cfg.Workers
	u.sup = rtsup.New(ctx, rtsup.WithLogger(u.log))
	sup := u.sup
	q := u.queue
	u.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("upload.worker.%d", i), 250*time.Millisecond, 5*time.Second, func(c context.Context) error {
			return u.workerLoop(c, q)
		})
	}
	u.log.Info("uploader started", logx.Int("workers", workers), logx.String("instance_id", u.InstanceID()))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (u *Uploader) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	u.mu.Lock()
	q := u.queue
	sup := u.sup
	if q == nil {
		u.mu.Unlock()
		return
	}
	if u.stopDone != nil {
		done := u.stopDone
		u.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	u.stopDone = done
	u.accepting = false
	u.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		u.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		u.mu.Lock()
		u.queue = nil
		u.stopDone = nil
		u.sup = nil
		u.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		u.log.Warn("uploader stop deadline hit; abandoning queued payloads", logx.Int("queued", len(q)))
	}
}

// Deliver enqueues p. It never blocks on the network.
func (u *Uploader) Deliver(ctx context.Context, p sink.Payload) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if p.Len() == 0 {
		return nil
	}

	u.mu.Lock()
	if !u.cfg.Enabled {
		u.mu.Unlock()
		return ErrDisabled
	}
	if !u.accepting || u.queue == nil {
		u.mu.Unlock()
		return ErrStopped
	}
	q := u.queue
	u.sendWG.Add(1)
	u.mu.Unlock()
	defer u.sendWG.Done()

	j := job{p: p, batchID: newBatchID()}
	select {
	case q <- j:
		u.queued.Add(1)
		return nil
	default:
		u.dropped.Add(1)
		return ErrQueueFull
	}
}

func (u *Uploader) Stats() Stats {
	return Stats{
		Queued:  u.queued.Load(),
		Sent:    u.sent.Load(),
		Failed:  u.failed.Load(),
		Dropped: u.dropped.Load(),
		Retries: u.retries.Load(),
	}
}

func newBatchID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (u *Uploader) workerLoop(ctx context.Context, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			u.sendWithRetry(ctx, j)
		}
	}
}

func (u *Uploader) sendWithRetry(runCtx context.Context, j job) {
	u.mu.Lock()
	cfg := u.cfg
	lim := u.limiter
	instanceID := u.instanceID
	u.mu.Unlock()

	log := u.log.With(logx.String("batch_id", j.batchID), logx.Int("records", j.p.Len()))

	b, err := encodePayload(j.p, cfg.Codec, cfg.Compression)
	if err != nil {
		u.fail(j, err, 0, log)
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			lastErr = err
			break
		}

		err := u.post(runCtx, cfg, instanceID, j, b)
		if err == nil {
			u.sent.Add(1)
			log.Debug("payload delivered", logx.Int("attempt", attempt))
			return
		}
		lastErr = err
		log.Debug("upload attempt failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		var se *StatusError
		if errors.As(err, &se) && !se.Retryable {
			break
		}
		if attempt >= maxAttempts {
			break
		}
		u.retries.Add(1)

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			u.fail(j, runCtx.Err(), attempt, log)
			return
		}
	}
	u.fail(j, lastErr, min(attempt, maxAttempts), log)
}

func (u *Uploader) post(ctx context.Context, cfg Config, instanceID string, j job, b body) error {
	url := cfg.Endpoint
	if j.p.Batch {
		url += "/batch"
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(b.data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", b.contentType)
	if b.contentEncoding != "" {
		req.Header.Set("Content-Encoding", b.contentEncoding)
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	req.Header.Set("X-Instance-ID", instanceID)
	req.Header.Set("X-Batch-ID", j.batchID)

	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return statusError(resp.StatusCode, respBody)
}

func (u *Uploader) fail(j job, err error, attempts int, log logx.Logger) {
	if err == nil {
		err = errors.New("unknown upload failure")
	}
	u.failed.Add(1)
	log.Warn("payload undeliverable", logx.Err(err), logx.Int("attempts", attempts))

	if u.store == nil {
		return
	}
	e := storage.FailureEntry{
		Time:     time.Now(),
		Source:   "upload",
		BatchID:  j.batchID,
		Records:  j.p.Len(),
		Batch:    j.p.Batch,
		Error:    err.Error(),
		Attempts: attempts,
	}
	if len(j.p.Records) > 0 {
		e.Level = j.p.Records[0].Level.String()
		e.Category = j.p.Records[0].Category
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := u.store.AppendFailure(ctx, e); err != nil {
		log.Debug("failure journal write failed", logx.Err(err))
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the NEXT attempt.
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return min(max(d, 0), maxD)
}
