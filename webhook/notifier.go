package webhook

import (
	"context"
	"encoding/json"

	"github.com/lreardon/agent-repository/infrastructure/logging"
)

// EventNotifier turns domain-level event callbacks (job lifecycle
// transitions, review submissions) into queued webhook deliveries. It
// satisfies domain/job.Notifier and domain/reputation.Notifier
// structurally, without either domain package importing this one.
type EventNotifier struct {
	repo   Repository
	logger *logging.Logger
}

// NewEventNotifier constructs an EventNotifier.
func NewEventNotifier(repo Repository, logger *logging.Logger) *EventNotifier {
	return &EventNotifier{repo: repo, logger: logger}
}

// NotifyJobEvent queues a webhook delivery for a job-lifecycle event.
// Failure to queue is logged and swallowed: a notification is a
// best-effort side effect of a job transition that has already
// committed, never a reason to fail the caller's request.
func (n *EventNotifier) NotifyJobEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage) {
	n.enqueue(ctx, targetAgentID, eventType, jobID, data)
}

// NotifyReviewEvent queues a webhook delivery for a review.created event.
func (n *EventNotifier) NotifyReviewEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage) {
	n.enqueue(ctx, targetAgentID, eventType, jobID, data)
}

func (n *EventNotifier) enqueue(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage) {
	delivery, err := NewDelivery(targetAgentID, eventType, jobID, data)
	if err != nil {
		n.logger.WithContext(ctx).WithError(err).WithField("event", eventType).Warn("build webhook delivery failed")
		return
	}
	if err := n.repo.Create(ctx, delivery); err != nil {
		n.logger.WithContext(ctx).WithError(err).WithField("event", eventType).WithField("target_agent_id", targetAgentID).Warn("queue webhook delivery failed")
	}
}
