package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresRepository implements Repository against the agents table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository constructs a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, a *Agent) error {
	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	var cardJSON []byte
	if len(a.AgentCard) > 0 {
		cardJSON = a.AgentCard
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (
			agent_id, public_key, display_name, description, endpoint_url,
			capabilities, webhook_secret, balance, status, agent_card,
			external_identity_id, created_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.AgentID, a.PublicKeyHex, a.DisplayName, a.Description, a.EndpointURL,
		capsJSON, a.WebhookSecret, a.Balance, string(a.Status), nullableJSON(cardJSON),
		a.ExternalIdentityID, a.CreatedAt, a.LastSeenAt)
	return err
}

func (r *PostgresRepository) GetByID(ctx context.Context, agentID string) (*Agent, error) {
	return r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
}

func (r *PostgresRepository) GetByPublicKey(ctx context.Context, publicKeyHex string) (*Agent, error) {
	return r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents WHERE public_key = $1`, publicKeyHex)
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, agentID string, mutate func(a *Agent) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := r.scanOneTx(ctx, tx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	if err != nil {
		return err
	}
	if err := mutate(a); err != nil {
		return err
	}

	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET display_name = $2, description = $3, endpoint_url = $4,
			capabilities = $5
		WHERE agent_id = $1
	`, agentID, a.DisplayName, a.Description, a.EndpointURL, capsJSON); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, agentID string, status Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET status = $2 WHERE agent_id = $1`, agentID, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *PostgresRepository) Touch(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = $2 WHERE agent_id = $1`, agentID, time.Now().UTC())
	return err
}

const agentColumns = `
	agent_id, public_key, display_name, description, endpoint_url, capabilities,
	webhook_secret, reputation_as_seller, reputation_as_client,
	reviews_as_seller_count, reviews_as_client_count, balance, status,
	agent_card, external_identity_id, created_at, last_seen_at
`

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*Agent, error) {
	return scanAgentRow(r.db.QueryRowContext(ctx, query, args...))
}

func (r *PostgresRepository) scanOneTx(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) (*Agent, error) {
	return scanAgentRow(tx.QueryRowContext(ctx, query, args...))
}

func scanAgentRow(row *sql.Row) (*Agent, error) {
	var a Agent
	var capsJSON []byte
	var cardJSON []byte
	var statusStr string
	var reputationSeller, reputationClient sql.NullFloat64
	var externalID sql.NullString

	err := row.Scan(
		&a.AgentID, &a.PublicKeyHex, &a.DisplayName, &a.Description, &a.EndpointURL,
		&capsJSON, &a.WebhookSecret, &reputationSeller, &reputationClient,
		&a.ReviewsAsSellerCount, &a.ReviewsAsClientCount, &a.Balance, &statusStr,
		&cardJSON, &externalID, &a.CreatedAt, &a.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status = Status(statusStr)
	if len(capsJSON) > 0 {
		_ = json.Unmarshal(capsJSON, &a.Capabilities)
	}
	if len(cardJSON) > 0 {
		a.AgentCard = json.RawMessage(cardJSON)
	}
	if reputationSeller.Valid {
		v := reputationSeller.Float64
		a.ReputationAsSeller = &v
	}
	if reputationClient.Valid {
		v := reputationClient.Float64
		a.ReputationAsClient = &v
	}
	if externalID.Valid {
		v := externalID.String
		a.ExternalIdentityID = &v
	}
	return &a, nil
}

func nullableJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
