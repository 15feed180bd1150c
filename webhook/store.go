package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lreardon/agent-repository/infrastructure/errors"
)

// Status is a webhook_deliveries row's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery is a queued or attempted webhook delivery.
type Delivery struct {
	DeliveryID    string
	TargetAgentID string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

// Repository persists webhook deliveries.
type Repository interface {
	Create(ctx context.Context, d *Delivery) error
	// ListDue returns up to limit pending deliveries whose next_attempt_at
	// has elapsed, oldest first.
	ListDue(ctx context.Context, limit int) ([]*Delivery, error)
	// RecordAttempt updates a delivery's outcome after a dispatch attempt.
	RecordAttempt(ctx context.Context, deliveryID string, status Status, lastError string, nextAttemptAt time.Time) error
}

// PostgresRepository implements Repository against webhook_deliveries.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// NewDelivery builds a Delivery ready for Create, due immediately. The
// stored payload is the unsigned envelope body; its signature is
// computed fresh from the destination's current secret at each
// delivery attempt.
func NewDelivery(targetAgentID, eventType, jobID string, data json.RawMessage) (*Delivery, error) {
	now := time.Now().UTC()
	body, err := CanonicalBody(eventType, jobID, now, data)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		DeliveryID:    uuid.NewString(),
		TargetAgentID: targetAgentID,
		EventType:     eventType,
		Payload:       body,
		Status:        StatusPending,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d *Delivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(delivery_id, target_agent_id, event_type, payload, status, attempts, last_error, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, d.DeliveryID, d.TargetAgentID, d.EventType, []byte(d.Payload), string(d.Status),
		d.Attempts, d.LastError, d.CreatedAt, d.NextAttemptAt)
	if err != nil {
		return errors.DatabaseError("create webhook delivery", err)
	}
	return nil
}

func (r *PostgresRepository) ListDue(ctx context.Context, limit int) ([]*Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT delivery_id, target_agent_id, event_type, payload, status, attempts, last_error, created_at, next_attempt_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.DatabaseError("list due webhook deliveries", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		var status string
		var lastError sql.NullString
		if err := rows.Scan(&d.DeliveryID, &d.TargetAgentID, &d.EventType, &d.Payload,
			&status, &d.Attempts, &lastError, &d.CreatedAt, &d.NextAttemptAt); err != nil {
			return nil, errors.DatabaseError("scan webhook delivery", err)
		}
		d.Status = Status(status)
		d.LastError = lastError.String
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("list due webhook deliveries", err)
	}
	return out, nil
}

func (r *PostgresRepository) RecordAttempt(ctx context.Context, deliveryID string, status Status, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = attempts + 1, last_error = $3, next_attempt_at = $4
		WHERE delivery_id = $1
	`, deliveryID, string(status), lastError, nextAttemptAt)
	if err != nil {
		return errors.DatabaseError("record webhook delivery attempt", err)
	}
	return nil
}
