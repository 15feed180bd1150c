package reputation

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lreardon/agent-repository/infrastructure/database"
	"github.com/lreardon/agent-repository/infrastructure/errors"
)

// PostgresRepository implements Repository against the reviews table,
// updating the reviewee's reputation columns on agents in the same
// transaction as the review insert.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Record(ctx context.Context, rev *Review) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		tags, err := json.Marshal(rev.Tags)
		if err != nil {
			return errors.Internal("marshal review tags", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reviews (review_id, job_id, reviewer_agent_id, reviewee_agent_id, role, rating, tags, comment, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, rev.ReviewID, rev.JobID, rev.ReviewerAgentID, rev.RevieweeAgentID, string(rev.Role), rev.Rating, tags, rev.Comment, rev.CreatedAt); err != nil {
			return errors.DatabaseError("insert review", err)
		}

		averageColumn, countColumn := reputationColumns(rev.Role)

		var averageBefore sql.NullFloat64
		var countBefore int
		row := tx.QueryRowContext(ctx, `SELECT `+averageColumn+`, `+countColumn+` FROM agents WHERE agent_id = $1 FOR UPDATE`, rev.RevieweeAgentID)
		if err := row.Scan(&averageBefore, &countBefore); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("agent", rev.RevieweeAgentID)
			}
			return errors.DatabaseError("lock reviewee reputation", err)
		}

		averageAfter, countAfter := applyRunningAverage(averageBefore.Float64, countBefore, rev.Rating)

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET `+averageColumn+` = $2, `+countColumn+` = $3 WHERE agent_id = $1`,
			rev.RevieweeAgentID, averageAfter, countAfter); err != nil {
			return errors.DatabaseError("update reviewee reputation", err)
		}
		return nil
	})
}

// reputationColumns returns the agents-table column pair a review's role
// should update: a client_of_seller review rates the seller, a
// seller_of_client review rates the client.
func reputationColumns(role Role) (averageColumn, countColumn string) {
	if role == RoleClientOfSeller {
		return "reputation_as_seller", "reviews_as_seller_count"
	}
	return "reputation_as_client", "reviews_as_client_count"
}
