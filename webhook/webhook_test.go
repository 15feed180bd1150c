package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

func TestSignAndVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"event":"job.completed"}`)
	sig := Sign("top-secret", "2026-07-31T00:00:00Z", body)
	assert.True(t, Verify("top-secret", "2026-07-31T00:00:00Z", body, sig))
	assert.False(t, Verify("wrong-secret", "2026-07-31T00:00:00Z", body, sig))
	assert.False(t, Verify("top-secret", "2026-08-01T00:00:00Z", body, sig))
}

func TestSignedPayload_EmbedsSignatureInBody(t *testing.T) {
	body, err := CanonicalBody("job.completed", "job-1", time.Now(), json.RawMessage(`{"status":"completed"}`))
	require.NoError(t, err)

	signed, err := SignedPayload("shh", body)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(signed, &out))
	assert.Equal(t, "job.completed", out["event"])
	assert.Equal(t, "job-1", out["job_id"])
	assert.NotEmpty(t, out["signature"])
}

func TestBackoffFor_ClampsToScheduleBounds(t *testing.T) {
	assert.Equal(t, BackoffSchedule[0], backoffFor(0))
	assert.Equal(t, BackoffSchedule[len(BackoffSchedule)-1], backoffFor(999))
	assert.Equal(t, BackoffSchedule[0], backoffFor(-1))
}

type fakeRepo struct {
	mu       sync.Mutex
	created  []*Delivery
	due      []*Delivery
	attempts []string
}

func (f *fakeRepo) Create(ctx context.Context, d *Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, d)
	f.due = append(f.due, d)
	return nil
}

func (f *fakeRepo) ListDue(ctx context.Context, limit int) ([]*Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Delivery, len(f.due))
	copy(out, f.due)
	return out, nil
}

func (f *fakeRepo) RecordAttempt(ctx context.Context, deliveryID string, status Status, lastError string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, string(status))
	for _, d := range f.due {
		if d.DeliveryID == deliveryID {
			d.Status = status
			d.Attempts++
			d.LastError = lastError
			d.NextAttemptAt = nextAttemptAt
		}
	}
	if status != StatusPending {
		kept := f.due[:0]
		for _, d := range f.due {
			if d.DeliveryID != deliveryID {
				kept = append(kept, d)
			}
		}
		f.due = kept
	}
	return nil
}

type fakeTargets struct {
	endpointURL string
	secret      string
}

func (f *fakeTargets) WebhookTarget(ctx context.Context, agentID string) (string, string, error) {
	return f.endpointURL, f.secret, nil
}

func TestDispatcher_DeliversSuccessfully(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	repo := &fakeRepo{}
	targets := &fakeTargets{endpointURL: server.URL, secret: "shh"}
	logger := logging.New("webhook-test", "error", "text")
	m := metrics.NewWithRegistry("webhook-test", prometheus.NewRegistry())

	delivery, err := NewDelivery("agent-1", "job.completed", "job-1", json.RawMessage(`{"status":"completed"}`))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), delivery))

	d := NewDispatcher(repo, targets, logger, m)
	d.tick(context.Background())

	expected, err := SignedPayload("shh", delivery.Payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(expected), string(receivedBody))
	require.Len(t, repo.attempts, 1)
	assert.Equal(t, string(StatusDelivered), repo.attempts[0])
}

func TestDispatcher_RetriesOnFailureThenDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	repo := &fakeRepo{}
	targets := &fakeTargets{endpointURL: server.URL, secret: "shh"}
	logger := logging.New("webhook-test-2", "error", "text")
	m := metrics.NewWithRegistry("webhook-test-2", prometheus.NewRegistry())

	delivery, err := NewDelivery("agent-2", "job.failed", "job-2", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), delivery))

	d := NewDispatcher(repo, targets, logger, m)
	for i := 0; i < MaxAttempts; i++ {
		d.tick(context.Background())
		// Force the next attempt due immediately; the dispatcher itself
		// schedules real backoff delays, which this test does not wait out.
		repo.mu.Lock()
		for _, pending := range repo.due {
			pending.NextAttemptAt = time.Now().Add(-time.Second)
		}
		repo.mu.Unlock()
	}

	require.Len(t, repo.attempts, MaxAttempts)
	assert.Equal(t, string(StatusFailed), repo.attempts[MaxAttempts-1])
	repo.mu.Lock()
	assert.Empty(t, repo.due)
	repo.mu.Unlock()
}
