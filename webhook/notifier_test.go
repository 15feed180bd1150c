package webhook

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/infrastructure/logging"
)

func TestEventNotifier_NotifyJobEvent_QueuesDelivery(t *testing.T) {
	repo := &fakeRepo{}
	n := NewEventNotifier(repo, logging.New("notifier-test", "error", "text"))

	n.NotifyJobEvent(context.Background(), "agent-1", "job.completed", "job-1", json.RawMessage(`{"status":"completed"}`))

	require.Len(t, repo.created, 1)
	assert.Equal(t, "agent-1", repo.created[0].TargetAgentID)
	assert.Equal(t, "job.completed", repo.created[0].EventType)

	var env unsignedEnvelope
	require.NoError(t, json.Unmarshal(repo.created[0].Payload, &env))
	assert.Equal(t, "job-1", env.JobID)
}

func TestEventNotifier_NotifyReviewEvent_QueuesDelivery(t *testing.T) {
	repo := &fakeRepo{}
	n := NewEventNotifier(repo, logging.New("notifier-test-2", "error", "text"))

	n.NotifyReviewEvent(context.Background(), "agent-2", "review.created", "job-2", json.RawMessage(`{"rating":5}`))

	require.Len(t, repo.created, 1)
	assert.Equal(t, "review.created", repo.created[0].EventType)
}
