package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/jobqueue"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBackend(t *testing.T, dispatchURL string) *Backend {
	t.Helper()
	b, err := New(Config{
		DispatchURL:    dispatchURL,
		Token:          "dispatch-token",
		CallbackURL:    "https://audit.example.com/",
		SigningKey:     "current",
		NextSigningKey: "next",
		Retries:        3,
	}, nil, zap.NewNop(), nil, WithNow(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return b
}

func TestAddPublishesToDispatchService(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		headers = r.Header.Clone()
		body = data
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	handle, err := b.Add(context.Background(), "audits",
		map[string]any{"auditId": "a1"},
		jobqueue.AddOptions{JobID: "a1", Delay: 90 * time.Second},
	)
	require.NoError(t, err)
	require.Equal(t, jobqueue.JobHandle{ID: "a1", Name: "audits", Backend: jobqueue.KindWebhook}, handle)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer dispatch-token", headers.Get("Authorization"))
	assert.Equal(t, "https://audit.example.com/internal/jobs/audits", headers.Get(HeaderDestination))
	assert.Equal(t, "90", headers.Get(HeaderDelay))
	assert.Equal(t, "3", headers.Get(HeaderRetries))
	assert.Equal(t, "a1", headers.Get(HeaderDedupID))

	var msg Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "audits", msg.JobName)
	assert.Equal(t, "a1", msg.JobID)
	assert.Equal(t, fixedNow.Format(time.RFC3339), msg.Timestamp)
	assert.JSONEq(t, `{"auditId":"a1"}`, string(msg.Data))
}

func TestAddSurfacesDispatchErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	_, err := b.Add(context.Background(), "audits", []byte(`{}`), jobqueue.AddOptions{})
	require.ErrorContains(t, err, "unexpected status 502")

	_, err = b.Add(context.Background(), "audits", []byte("not json"), jobqueue.AddOptions{})
	require.Error(t, err)
}

func signedRequest(t *testing.T, key string, msg Message, retried string) *http.Request {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/"+msg.JobName, bytes.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderSignature, Sign(key, body))
	}
	if retried != "" {
		req.Header.Set(HeaderRetried, retried)
	}
	return req
}

func validMessage() Message {
	return Message{
		JobName:   "audits",
		JobID:     "a1",
		Data:      json.RawMessage(`{"auditId":"a1"}`),
		Timestamp: fixedNow.Add(-time.Minute).Format(time.RFC3339),
	}
}

func TestReceiverDeliversSignedJobs(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "https://dispatch.example.com")
	var got []jobqueue.Job
	require.NoError(t, b.Process(context.Background(), "audits", func(_ context.Context, job jobqueue.Job) error {
		got = append(got, job)
		return nil
	}))
	h := b.Handler()

	for _, key := range []string{"current", "next"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, key, validMessage(), ""))
		require.Equal(t, http.StatusOK, rec.Code, key)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "current", validMessage(), "2"))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, 4, got[0].MaxAttempts)
	assert.Equal(t, 3, got[2].Attempt)
	assert.JSONEq(t, `{"auditId":"a1"}`, string(got[0].Data))
}

func TestReceiverRejectsBadDeliveries(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "https://dispatch.example.com")
	called := false
	require.NoError(t, b.Process(context.Background(), "audits", func(context.Context, jobqueue.Job) error {
		called = true
		return nil
	}))
	h := b.Handler()

	stale := validMessage()
	stale.Timestamp = fixedNow.Add(-time.Hour).Format(time.RFC3339)
	unknown := validMessage()
	unknown.JobName = "reports"

	mismatched := signedRequest(t, "current", validMessage(), "")
	mismatched.URL.Path = "/other"

	garbage := []byte("{not json")
	garbled := httptest.NewRequest(http.MethodPost, "/audits", bytes.NewReader(garbage))
	garbled.Header.Set(HeaderSignature, Sign("current", garbage))

	cases := []struct {
		name string
		req  *http.Request
		code int
	}{
		{"unsigned", signedRequest(t, "", validMessage(), ""), http.StatusUnauthorized},
		{"wrong key", signedRequest(t, "attacker", validMessage(), ""), http.StatusUnauthorized},
		{"stale", signedRequest(t, "current", stale, ""), http.StatusUnauthorized},
		{"unknown queue", signedRequest(t, "current", unknown, ""), http.StatusNotFound},
		{"name mismatch", mismatched, http.StatusBadRequest},
		{"garbage", garbled, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, tc.req)
		assert.Equal(t, tc.code, rec.Code, tc.name)
	}
	assert.False(t, called)
}

func TestReceiverReturnsServerErrorOnHandlerFailure(t *testing.T) {
	t.Parallel()

	b := newBackend(t, "https://dispatch.example.com")
	require.NoError(t, b.Process(context.Background(), "audits", func(context.Context, jobqueue.Job) error {
		return errors.New("boom")
	}))

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, signedRequest(t, "current", validMessage(), ""))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	require.NoError(t, b.Close(context.Background()))
	rec = httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, signedRequest(t, "current", validMessage(), ""))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	_, err := b.Add(context.Background(), "audits", []byte(`{}`), jobqueue.AddOptions{})
	require.ErrorIs(t, err, jobqueue.ErrClosed)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{DispatchURL: "https://d"}, nil, nil, nil)
	require.Error(t, err)
	_, err = New(Config{DispatchURL: "https://d", SigningKey: "k"}, nil, nil, nil)
	require.Error(t, err)
}
