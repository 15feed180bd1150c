package webhook

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

const (
	deliveryTimeout  = 10 * time.Second
	pollInterval     = 2 * time.Second
	batchSize        = 50
	destinationRPS   = 5
	destinationBurst = 10
)

// TargetResolver looks up where and how to sign a delivery for a
// target agent.
type TargetResolver interface {
	WebhookTarget(ctx context.Context, agentID string) (endpointURL, secret string, err error)
}

// Dispatcher polls for due deliveries and attempts them, applying a
// per-destination token bucket so one slow or chatty subscriber cannot
// starve delivery to the rest.
type Dispatcher struct {
	repo    Repository
	targets TargetResolver
	client  *http.Client
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(repo Repository, targets TargetResolver, logger *logging.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		targets:  targets,
		client:   &http.Client{Timeout: deliveryTimeout},
		logger:   logger,
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (d *Dispatcher) limiterFor(targetAgentID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[targetAgentID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(destinationRPS), destinationBurst)
		d.limiters[targetAgentID] = l
	}
	return l
}

// Start begins the poll loop in a background goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.tick(runCtx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	due, err := d.repo.ListDue(ctx, batchSize)
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).Warn("list due webhook deliveries failed")
		return
	}
	for _, delivery := range due {
		limiter := d.limiterFor(delivery.TargetAgentID)
		if !limiter.Allow() {
			// Leave it due; it is picked up again on a later tick once the
			// destination's bucket has refilled.
			continue
		}
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) {
	endpointURL, secret, err := d.targets.WebhookTarget(ctx, delivery.TargetAgentID)
	if err != nil {
		d.fail(ctx, delivery, "resolve webhook target: "+err.Error())
		return
	}

	signedBody, err := SignedPayload(secret, delivery.Payload)
	if err != nil {
		d.fail(ctx, delivery, "sign payload: "+err.Error())
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpointURL, bytes.NewReader(signedBody))
	if err != nil {
		d.fail(ctx, delivery, "build request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.EventType)

	start := time.Now()
	resp, err := d.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		d.fail(ctx, delivery, "deliver: "+err.Error())
		d.recordMetric(delivery.EventType, "error", duration)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := d.repo.RecordAttempt(ctx, delivery.DeliveryID, StatusDelivered, "", time.Time{}); err != nil {
			d.logger.WithContext(ctx).WithError(err).WithField("delivery_id", delivery.DeliveryID).Warn("record webhook success failed")
		}
		d.recordMetric(delivery.EventType, "delivered", duration)
		return
	}

	d.fail(ctx, delivery, "unexpected status "+resp.Status)
	d.recordMetric(delivery.EventType, "rejected", duration)
}

func (d *Dispatcher) fail(ctx context.Context, delivery *Delivery, message string) {
	nextAttempt := delivery.Attempts + 1
	status := StatusPending
	if nextAttempt >= MaxAttempts {
		status = StatusFailed
	}
	nextAttemptAt := time.Now().UTC().Add(backoffFor(delivery.Attempts))
	if err := d.repo.RecordAttempt(ctx, delivery.DeliveryID, status, message, nextAttemptAt); err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("delivery_id", delivery.DeliveryID).Warn("record webhook failure failed")
	}
	d.logger.WithContext(ctx).WithField("delivery_id", delivery.DeliveryID).WithField("attempt", nextAttempt).Warn(message)
}

func (d *Dispatcher) recordMetric(eventType, outcome string, duration time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordWebhookDelivery("marketserver", eventType, outcome, duration)
	}
}
