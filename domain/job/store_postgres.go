package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/database"
	"github.com/lreardon/agent-repository/infrastructure/errors"
)

// PostgresRepository implements Repository against the jobs and
// job_events tables.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const jobColumns = `job_id, client_agent_id, seller_agent_id, listing_id, status,
	acceptance_criteria, acceptance_criteria_hash, requirements, agreed_price,
	delivery_deadline, negotiation_log, max_rounds, current_round, result,
	a2a_task_id, a2a_context_id, started_at, delivered_at, initial_proposed_price,
	created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, j *Job) error {
	log, err := json.Marshal(j.NegotiationLog)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, client_agent_id, seller_agent_id, listing_id, status,
			acceptance_criteria, acceptance_criteria_hash, requirements, agreed_price,
			delivery_deadline, negotiation_log, max_rounds, current_round, result,
			a2a_task_id, a2a_context_id, started_at, delivered_at, initial_proposed_price,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, j.JobID, j.ClientAgentID, j.SellerAgentID, j.ListingID, string(j.Status),
		[]byte(j.AcceptanceCriteria), j.AcceptanceCriteriaHash, j.Requirements, j.AgreedPrice,
		j.DeliveryDeadline, log, j.MaxRounds, j.CurrentRound, nullableJSON(j.Result),
		j.A2ATaskID, j.A2AContextID, j.StartedAt, j.DeliveredAt, j.InitialProposedPrice,
		j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return errors.DatabaseError("create job", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, jobID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

func (r *PostgresRepository) Mutate(ctx context.Context, jobID string, actorAgentID string, fn func(j *Job) error) (*Job, error) {
	var result *Job

	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		fromStatus := j.Status

		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = time.Now().UTC()

		log, err := json.Marshal(j.NegotiationLog)
		if err != nil {
			return errors.Internal("marshal negotiation log", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = $2, agreed_price = $3, negotiation_log = $4,
				current_round = $5, result = $6, started_at = $7, delivered_at = $8,
				updated_at = $9
			WHERE job_id = $1
		`, j.JobID, string(j.Status), j.AgreedPrice, log, j.CurrentRound,
			nullableJSON(j.Result), j.StartedAt, j.DeliveredAt, j.UpdatedAt); err != nil {
			return errors.DatabaseError("persist job mutation", err)
		}

		if j.Status != fromStatus {
			var actor interface{}
			if actorAgentID != "" {
				actor = actorAgentID
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO job_events (job_id, from_status, to_status, actor_agent_id, occurred_at)
				VALUES ($1, $2, $3, $4, now())
			`, j.JobID, string(fromStatus), string(j.Status), actor); err != nil {
				return errors.DatabaseError("append job event", err)
			}
		}

		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ListWithDeadlines(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE delivery_deadline IS NOT NULL
		AND status IN ('funded', 'in-progress', 'delivered')`)
	if err != nil {
		return nil, errors.DatabaseError("list jobs with deadlines", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DatabaseError("list jobs with deadlines", err)
	}
	return jobs, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type rowLike interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowLike) (*Job, error) {
	var j Job
	var status string
	var acceptanceCriteria, negotiationLog, result []byte
	var agreedPrice sql.NullFloat64
	var deliveryDeadline, startedAt, deliveredAt sql.NullTime
	var listingID, a2aTaskID, a2aContextID sql.NullString

	err := row.Scan(&j.JobID, &j.ClientAgentID, &j.SellerAgentID, &listingID, &status,
		&acceptanceCriteria, &j.AcceptanceCriteriaHash, &j.Requirements, &agreedPrice,
		&deliveryDeadline, &negotiationLog, &j.MaxRounds, &j.CurrentRound, &result,
		&a2aTaskID, &a2aContextID, &startedAt, &deliveredAt, &j.InitialProposedPrice,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, errors.DatabaseError("scan job", err)
	}

	j.Status = Status(status)
	j.AcceptanceCriteria = acceptanceCriteria
	if len(result) > 0 {
		j.Result = result
	}
	if len(negotiationLog) > 0 {
		if err := json.Unmarshal(negotiationLog, &j.NegotiationLog); err != nil {
			return nil, errors.Internal("unmarshal negotiation log", err)
		}
	}
	if agreedPrice.Valid {
		v := agreedPrice.Float64
		j.AgreedPrice = &v
	}
	if deliveryDeadline.Valid {
		v := deliveryDeadline.Time
		j.DeliveryDeadline = &v
	}
	if startedAt.Valid {
		v := startedAt.Time
		j.StartedAt = &v
	}
	if deliveredAt.Valid {
		v := deliveredAt.Time
		j.DeliveredAt = &v
	}
	if listingID.Valid {
		v := listingID.String
		j.ListingID = &v
	}
	if a2aTaskID.Valid {
		v := a2aTaskID.String
		j.A2ATaskID = &v
	}
	if a2aContextID.Valid {
		v := a2aContextID.String
		j.A2AContextID = &v
	}
	return &j, nil
}
