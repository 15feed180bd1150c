// Package deadline maintains the delivery-deadline schedule: a Redis
// sorted set keyed by job ID, scored by Unix expiry time, and a
// consumer that blocks for the next-to-fire job and expires it. The
// database remains the source of truth for job state; this package only
// owns the scheduling side effect of "when to check".
package deadline

import (
	"context"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

const (
	// ExpiryQueueKey holds jobs scored by their actual delivery deadline.
	ExpiryQueueKey = "deadlines:jobs"
	// WarningQueueKey holds the same jobs scored by (deadline - WarningLeadTime),
	// so a warning notification fires once, ahead of expiry.
	WarningQueueKey = "deadlines:warnings"
)

// WarningLeadTime is how far ahead of a job's delivery deadline its
// deadline_warning notification fires.
const WarningLeadTime = 1 * time.Hour

// Queue implements domain/ledger.DeadlineQueue against a kvstore.Store
// sorted set. The same type backs both the expiry schedule and the
// warning schedule; which one a given Queue drives is fixed by the key
// it was constructed with.
type Queue struct {
	store kvstore.Store
	key   string
}

// NewQueue constructs a Queue driving the expiry schedule.
func NewQueue(store kvstore.Store) *Queue {
	return &Queue{store: store, key: ExpiryQueueKey}
}

// NewWarningQueue constructs a Queue driving the warning schedule.
func NewWarningQueue(store kvstore.Store) *Queue {
	return &Queue{store: store, key: WarningQueueKey}
}

// Enqueue schedules jobID to fire at deadline. Re-enqueuing the same
// jobID updates its score rather than creating a duplicate member.
func (q *Queue) Enqueue(ctx context.Context, jobID string, deadline time.Time) error {
	return q.store.ZAdd(ctx, q.key, float64(deadline.Unix()), jobID)
}

// Cancel removes jobID from the schedule. Idempotent: cancelling a job
// that was never enqueued, or already fired, is not an error.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	return q.store.ZRem(ctx, q.key, jobID)
}

// Expirer is the callback the consumer invokes once a job's deadline
// has actually elapsed. It returns the resulting status for metrics.
type Expirer func(ctx context.Context, jobID string) (status string, err error)

// Consumer blocks on a deadline.Queue's sorted set and expires jobs as
// their scores elapse.
type Consumer struct {
	store   kvstore.Store
	key     string
	expire  Expirer
	logger  *logging.Logger
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer constructs a Consumer driving the expiry schedule.
func NewConsumer(store kvstore.Store, expire Expirer, logger *logging.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{store: store, key: ExpiryQueueKey, expire: expire, logger: logger, metrics: m}
}

// NewWarningConsumer constructs a Consumer driving the warning
// schedule. expire here is invoked once a job's warning lead time has
// elapsed, not its actual deadline.
func NewWarningConsumer(store kvstore.Store, expire Expirer, logger *logging.Logger, m *metrics.Metrics) *Consumer {
	return &Consumer{store: store, key: WarningQueueKey, expire: expire, logger: logger, metrics: m}
}

// Start begins the blocking-pop loop in a background goroutine. The loop
// pops the minimum-scored member, sleeps until its score elapses, and
// expires it. A member added with an earlier score during that sleep is
// not popped until the sleep ends. Start does not run Recover. Start
// returns immediately; call Stop to shut the loop down.
func (c *Consumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.loop(runCtx)
	}()
}

// Stop cancels the loop and waits for it to exit or ctx to expire.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const popTimeout = 5 * time.Second

func (c *Consumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, score, ok, err := c.store.ZPopMinBlocking(ctx, c.key, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithContext(ctx).WithError(err).Warn("deadline queue pop failed")
			continue
		}
		if !ok {
			continue
		}

		deadline := time.Unix(int64(score), 0)
		if wait := time.Until(deadline); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				// Job hasn't actually expired yet; put it back before exiting.
				_ = c.store.ZAdd(context.Background(), c.key, score, jobID)
				return
			}
		}

		status, err := c.expire(ctx, jobID)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Error("deadline expiry failed")
			if c.metrics != nil {
				c.metrics.RecordDeadlineFiring("marketserver", "error")
			}
			continue
		}
		c.logger.WithContext(ctx).WithField("job_id", jobID).WithField("status", status).Info("deadline fired")
		if c.metrics != nil {
			c.metrics.RecordDeadlineFiring("marketserver", status)
		}
	}
}

// JobDeadline is the minimal projection the recovery scan needs from a
// job row.
type JobDeadline struct {
	JobID    string
	Deadline time.Time
}

// Recover re-seeds the schedule from the database at startup, so a
// deadline isn't lost if the queue's backing store was flushed or
// unavailable when Enqueue would otherwise have run. Safe to call
// repeatedly; ZAdd overwrites rather than duplicates.
func (q *Queue) Recover(ctx context.Context, jobs []JobDeadline) error {
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j.JobID, j.Deadline); err != nil {
			return err
		}
	}
	return nil
}

// DualQueue implements domain/ledger.DeadlineQueue by fanning a single
// Enqueue/Cancel into both the expiry schedule and the warning
// schedule, so funding a job schedules its deadline_warning
// notification alongside its eventual expiry with one call.
type DualQueue struct {
	expiry   *Queue
	warnings *Queue
}

// NewDualQueue constructs a DualQueue over the given store.
func NewDualQueue(store kvstore.Store) *DualQueue {
	return &DualQueue{expiry: NewQueue(store), warnings: NewWarningQueue(store)}
}

// Enqueue schedules jobID's expiry at deadline and its warning at
// deadline minus WarningLeadTime. A deadline already inside the lead
// time schedules the warning to fire immediately rather than in the past.
func (d *DualQueue) Enqueue(ctx context.Context, jobID string, deadline time.Time) error {
	if err := d.expiry.Enqueue(ctx, jobID, deadline); err != nil {
		return err
	}
	warnAt := deadline.Add(-WarningLeadTime)
	if warnAt.Before(time.Now()) {
		warnAt = time.Now()
	}
	return d.warnings.Enqueue(ctx, jobID, warnAt)
}

// Cancel removes jobID from both schedules. Idempotent.
func (d *DualQueue) Cancel(ctx context.Context, jobID string) error {
	if err := d.expiry.Cancel(ctx, jobID); err != nil {
		return err
	}
	return d.warnings.Cancel(ctx, jobID)
}

// Recover re-seeds both schedules at startup from the same job list.
func (d *DualQueue) Recover(ctx context.Context, jobs []JobDeadline) error {
	for _, j := range jobs {
		if err := d.Enqueue(ctx, j.JobID, j.Deadline); err != nil {
			return err
		}
	}
	return nil
}
