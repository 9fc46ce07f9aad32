// Package webhook implements a push queue backend. Jobs are handed to an
// external dispatch service which later calls back into the receiver with a
// signed request.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

// Header names exchanged with the dispatch service.
const (
	HeaderSignature   = "X-Dispatch-Signature"
	HeaderDestination = "X-Dispatch-Destination"
	HeaderDelay       = "X-Dispatch-Delay"
	HeaderRetries     = "X-Dispatch-Retries"
	HeaderDedupID     = "X-Dispatch-Deduplication-Id"
	HeaderRetried     = "X-Dispatch-Retried"

	signaturePrefix = "v1="
	maxBodyBytes    = 1 << 20
)

// Message is the body published to and received from the dispatch service.
type Message struct {
	JobName   string          `json:"jobName"`
	JobID     string          `json:"jobId"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Config wires the dispatch service and the signing keys. CallbackURL is the
// public base URL of this service.
type Config struct {
	DispatchURL        string
	Token              string
	CallbackURL        string
	SigningKey         string
	NextSigningKey     string
	Retries            int
	TimestampTolerance time.Duration
}

// Backend publishes jobs and receives their deliveries.
type Backend struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	obs    jobqueue.Observer
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]jobqueue.Handler
	closed   bool
}

// Option customizes a Backend.
type Option func(*Backend)

// WithNow overrides the clock used for timestamps and tolerance checks.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// New validates cfg. A nil client uses a 10s timeout client.
func New(cfg Config, client *http.Client, logger *zap.Logger, obs jobqueue.Observer, opts ...Option) (*Backend, error) {
	if cfg.DispatchURL == "" {
		return nil, errors.New("webhook dispatch url is required")
	}
	if cfg.SigningKey == "" {
		return nil, errors.New("webhook signing key is required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("webhook callback url is required")
	}
	cfg.CallbackURL = strings.TrimRight(cfg.CallbackURL, "/")
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.TimestampTolerance <= 0 {
		cfg.TimestampTolerance = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if obs == nil {
		obs = jobqueue.NopObserver{}
	}
	b := &Backend{
		cfg:      cfg,
		client:   client,
		logger:   logger.Named("jobqueue.webhook"),
		obs:      obs,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[string]jobqueue.Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Kind implements jobqueue.Backend.
func (b *Backend) Kind() jobqueue.Kind { return jobqueue.KindWebhook }

// Add publishes the job to the dispatch service.
func (b *Backend) Add(ctx context.Context, name string, payload any, opts jobqueue.AddOptions) (jobqueue.JobHandle, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return jobqueue.JobHandle{}, jobqueue.ErrClosed
	}
	data, err := jobqueue.Encode(payload)
	if err != nil {
		return jobqueue.JobHandle{}, err
	}
	if !json.Valid(data) {
		return jobqueue.JobHandle{}, errors.New("webhook job payload must be JSON")
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	body, err := json.Marshal(Message{
		JobName:   name,
		JobID:     id,
		Data:      data,
		Timestamp: b.now().Format(time.RFC3339),
	})
	if err != nil {
		return jobqueue.JobHandle{}, fmt.Errorf("encode dispatch message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.DispatchURL, bytes.NewReader(body))
	if err != nil {
		return jobqueue.JobHandle{}, fmt.Errorf("build dispatch request: %w", err)
	}
	retries := b.cfg.Retries
	if opts.MaxAttempts > 0 {
		retries = opts.MaxAttempts - 1
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	req.Header.Set(HeaderDestination, b.cfg.CallbackURL+"/internal/jobs/"+name)
	req.Header.Set(HeaderRetries, strconv.Itoa(retries))
	req.Header.Set(HeaderDedupID, id)
	if opts.Delay > 0 {
		req.Header.Set(HeaderDelay, strconv.Itoa(int(opts.Delay.Round(time.Second)/time.Second)))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return jobqueue.JobHandle{}, fmt.Errorf("dispatch job %s: %w", id, err)
	}
	defer resp.Body.Close() //nolint:errcheck // drained below
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return jobqueue.JobHandle{}, fmt.Errorf("dispatch job %s: unexpected status %d", id, resp.StatusCode)
	}
	b.logger.Debug("job dispatched", zap.String("job_id", id), zap.String("queue", name))
	return jobqueue.JobHandle{ID: id, Name: name, Backend: jobqueue.KindWebhook}, nil
}

// Process registers handler for inbound deliveries of name.
func (b *Backend) Process(_ context.Context, name string, handler jobqueue.Handler) error {
	if handler == nil {
		return fmt.Errorf("handler for %q is required", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return jobqueue.ErrClosed
	}
	b.handlers[name] = handler
	return nil
}

// Close stops accepting deliveries.
func (b *Backend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Handler returns the receiver routes, meant to be mounted at /internal/jobs.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/{name}", b.receive)
	return r
}

func (b *Backend) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !b.verify(r.Header.Get(HeaderSignature), body) {
		b.obs.OnError(errors.New("webhook delivery with invalid signature"))
		writeStatus(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid message")
		return
	}
	sentAt, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	if skew := b.now().Sub(sentAt); skew > b.cfg.TimestampTolerance || skew < -b.cfg.TimestampTolerance {
		writeStatus(w, http.StatusUnauthorized, "stale timestamp")
		return
	}

	name := chi.URLParam(r, "name")
	if msg.JobName != name {
		writeStatus(w, http.StatusBadRequest, "job name does not match route")
		return
	}

	b.mu.RLock()
	handler, ok := b.handlers[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		writeStatus(w, http.StatusServiceUnavailable, "backend closed")
		return
	}
	if !ok {
		writeStatus(w, http.StatusNotFound, jobqueue.ErrUnknownQueue.Error())
		return
	}

	attempt := 1
	if retried, err := strconv.Atoi(r.Header.Get(HeaderRetried)); err == nil && retried > 0 {
		attempt = retried + 1
	}
	job := jobqueue.Job{
		ID:          msg.JobID,
		Name:        name,
		Data:        msg.Data,
		Attempt:     attempt,
		MaxAttempts: b.cfg.Retries + 1,
		EnqueuedAt:  sentAt,
	}
	if err := jobqueue.Run(r.Context(), b.obs, handler, job, attempt <= b.cfg.Retries); err != nil {
		writeStatus(w, http.StatusInternalServerError, "job failed")
		return
	}
	writeStatus(w, http.StatusOK, "ok")
}

func (b *Backend) verify(header string, body []byte) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	for _, key := range []string{b.cfg.SigningKey, b.cfg.NextSigningKey} {
		if key == "" {
			continue
		}
		if hmac.Equal(got, mac(key, body)) {
			return true
		}
	}
	return false
}

// Sign returns the signature header value for body under key.
func Sign(key string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(key, body))
}

func mac(key string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(body)
	return h.Sum(nil)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
