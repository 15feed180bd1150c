// Package ledger implements row-locked balance mutations and the
// append-only escrow audit trail. Every mutation acquires a pessimistic
// lock on the agent rows it touches before read-modify-write, and every
// escrow state change is one database transaction.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lreardon/agent-repository/domain/fees"
	"github.com/lreardon/agent-repository/infrastructure/database"
	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

// EscrowStatus is the lifecycle state of a per-job fund lock.
type EscrowStatus string

const (
	EscrowPending  EscrowStatus = "pending"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// AuditAction is the append-only escrow audit entry kind.
type AuditAction string

const (
	AuditCreated  AuditAction = "created"
	AuditFunded   AuditAction = "funded"
	AuditReleased AuditAction = "released"
	AuditRefunded AuditAction = "refunded"
	AuditDisputed AuditAction = "disputed"
	AuditResolved AuditAction = "resolved"
)

// RefundCause records why a refund occurred, carried in the audit
// entry's metadata.
type RefundCause string

const (
	RefundFailed       RefundCause = "failed"
	RefundCancelled    RefundCause = "cancelled"
	RefundDeadline     RefundCause = "deadline"
	RefundDeactivation RefundCause = "deactivation"
)

// EscrowAccount is the per-job fund lock record.
type EscrowAccount struct {
	EscrowID      string
	JobID         string
	ClientAgentID string
	SellerAgentID string
	Amount        float64
	Status        EscrowStatus
	FundedAt      *time.Time
	ReleasedAt    *time.Time
}

// AuditEntry is one append-only escrow ledger event. Never updated or
// deleted once written.
type AuditEntry struct {
	AuditID      int64
	EscrowID     string
	Action       AuditAction
	ActorAgentID *string
	Amount       *float64
	OccurredAt   time.Time
	Metadata     map[string]interface{}
}

// FundInput describes the job being funded.
type FundInput struct {
	JobID            string
	ClientAgentID    string
	SellerAgentID    string
	AgreedPrice      float64
	DeliveryDeadline *time.Time
}

// DeadlineQueue is the side-effect collaborator for per-job expiry
// scheduling; ledger never holds deadline state itself.
type DeadlineQueue interface {
	Enqueue(ctx context.Context, jobID string, deadline time.Time) error
	Cancel(ctx context.Context, jobID string) error
}

// Engine implements fund/release/refund and direct fee charges.
type Engine struct {
	db        *sql.DB
	fees      *fees.Engine
	deadlines DeadlineQueue
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// New constructs a ledger Engine.
func New(db *sql.DB, feesEngine *fees.Engine, deadlines DeadlineQueue, m *metrics.Metrics, logger *logging.Logger) *Engine {
	return &Engine{db: db, fees: feesEngine, deadlines: deadlines, metrics: m, logger: logger}
}

// Fund locks the client's balance, opens escrow, and transitions the job
// from agreed to funded — all inside one transaction. The deadline
// enqueue is an at-least-once side effect fired after commit.
func (e *Engine) Fund(ctx context.Context, in FundInput) (*EscrowAccount, error) {
	var escrow *EscrowAccount

	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		client, err := lockAgentBalance(ctx, tx, in.ClientAgentID)
		if err != nil {
			return err
		}
		if client < in.AgreedPrice {
			return errors.InsufficientFunds(formatAmount(in.AgreedPrice), formatAmount(client))
		}

		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance - $2 WHERE agent_id = $1`,
			in.ClientAgentID, in.AgreedPrice); err != nil {
			return errors.DatabaseError("debit client balance", err)
		}

		now := time.Now().UTC()
		escrow = &EscrowAccount{
			EscrowID:      uuid.NewString(),
			JobID:         in.JobID,
			ClientAgentID: in.ClientAgentID,
			SellerAgentID: in.SellerAgentID,
			Amount:        in.AgreedPrice,
			Status:        EscrowFunded,
			FundedAt:      &now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_accounts (escrow_id, job_id, client_agent_id, seller_agent_id, amount, status, funded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, escrow.EscrowID, escrow.JobID, escrow.ClientAgentID, escrow.SellerAgentID, escrow.Amount, string(escrow.Status), now); err != nil {
			return errors.DatabaseError("insert escrow account", err)
		}

		if err := appendAudit(ctx, tx, escrow.EscrowID, AuditFunded, nil, &in.AgreedPrice, nil); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'funded', updated_at = now() WHERE job_id = $1 AND status = 'agreed'`, in.JobID)
		if err != nil {
			return errors.DatabaseError("transition job to funded", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.InvalidTransition("agreed", "funded")
		}
		return nil
	})
	if err != nil {
		e.metrics.RecordEscrowOp("marketserver", "fund", "failed", 0)
		return nil, err
	}
	e.metrics.RecordEscrowOp("marketserver", "fund", "ok", 0)

	if in.DeliveryDeadline != nil {
		if err := e.deadlines.Enqueue(ctx, in.JobID, *in.DeliveryDeadline); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithField("job_id", in.JobID).Error("deadline enqueue failed after fund commit")
		}
	}
	return escrow, nil
}

// Release pays out a funded escrow: seller receives agreed_price minus
// their commission share, client is separately debited their share from
// any residual balance (not from the escrow). The escrow funds
// themselves are never partially released.
func (e *Engine) Release(ctx context.Context, jobID string) error {
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		escrow, err := lockEscrowByJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if escrow.Status != EscrowFunded {
			return errors.EscrowNotFunded()
		}

		clientShare, sellerShare := e.fees.BaseFeeShares(escrow.Amount)
		if err := lockAgentsOrdered(ctx, tx, []string{escrow.ClientAgentID, escrow.SellerAgentID}); err != nil {
			return err
		}

		sellerPayout := escrow.Amount - sellerShare
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance + $2 WHERE agent_id = $1`,
			escrow.SellerAgentID, sellerPayout); err != nil {
			return errors.DatabaseError("credit seller balance", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance - $2 WHERE agent_id = $1`,
			escrow.ClientAgentID, clientShare); err != nil {
			return errors.DatabaseError("debit client fee share", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE escrow_accounts SET status = 'released', released_at = $2 WHERE escrow_id = $1`,
			escrow.EscrowID, now); err != nil {
			return errors.DatabaseError("release escrow", err)
		}
		metadata := map[string]interface{}{"client_fee_share": clientShare, "seller_fee_share": sellerShare}
		if err := appendAudit(ctx, tx, escrow.EscrowID, AuditReleased, nil, &escrow.Amount, metadata); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = now() WHERE job_id = $1 AND status = 'verifying'`, jobID)
		if err != nil {
			return errors.DatabaseError("transition job to completed", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.InvalidTransition("verifying", "completed")
		}
		return nil
	})
	if err != nil {
		e.metrics.RecordEscrowOp("marketserver", "release", "failed", 0)
		return err
	}
	e.metrics.RecordEscrowOp("marketserver", "release", "ok", 0)

	if err := e.deadlines.Cancel(ctx, jobID); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Warn("deadline cancel failed after release commit")
	}
	return nil
}

// Refund is release's symmetric counterpart: the client is credited
// agreed_price minus their fee share, the seller is debited their share.
func (e *Engine) Refund(ctx context.Context, jobID string, cause RefundCause) error {
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		escrow, err := lockEscrowByJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if escrow.Status != EscrowFunded {
			return errors.EscrowNotFunded()
		}

		clientShare, sellerShare := e.fees.BaseFeeShares(escrow.Amount)
		if err := lockAgentsOrdered(ctx, tx, []string{escrow.ClientAgentID, escrow.SellerAgentID}); err != nil {
			return err
		}

		clientRefund := escrow.Amount - clientShare
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance + $2 WHERE agent_id = $1`,
			escrow.ClientAgentID, clientRefund); err != nil {
			return errors.DatabaseError("credit client refund", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance - $2 WHERE agent_id = $1`,
			escrow.SellerAgentID, sellerShare); err != nil {
			return errors.DatabaseError("debit seller fee share", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE escrow_accounts SET status = 'refunded' WHERE escrow_id = $1`, escrow.EscrowID); err != nil {
			return errors.DatabaseError("refund escrow", err)
		}
		metadata := map[string]interface{}{"cause": string(cause), "client_fee_share": clientShare, "seller_fee_share": sellerShare}
		if err := appendAudit(ctx, tx, escrow.EscrowID, AuditRefunded, nil, &escrow.Amount, metadata); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		e.metrics.RecordEscrowOp("marketserver", "refund", "failed", 0)
		return err
	}
	e.metrics.RecordEscrowOp("marketserver", "refund", "ok", 0)

	if err := e.deadlines.Cancel(ctx, jobID); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Warn("deadline cancel failed after refund commit")
	}
	return nil
}

// ChargeVerificationFee debits the client the greater of a fixed minimum
// and a per-CPU-second rate, regardless of verification outcome.
func (e *Engine) ChargeVerificationFee(ctx context.Context, clientAgentID string, cpuSeconds float64) (float64, error) {
	fee := e.fees.VerificationFee(cpuSeconds)
	return fee, e.chargeBalance(ctx, clientAgentID, fee, "verification_fee")
}

// ChargeStorageFee debits the seller the greater of a fixed minimum and
// a per-kilobyte rate on the delivered payload size.
func (e *Engine) ChargeStorageFee(ctx context.Context, sellerAgentID string, bytes int64) (float64, error) {
	fee := e.fees.StorageFee(bytes)
	return fee, e.chargeBalance(ctx, sellerAgentID, fee, "storage_fee")
}

func (e *Engine) chargeBalance(ctx context.Context, agentID string, amount float64, reason string) error {
	err := database.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		balance, err := lockAgentBalance(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if balance < amount {
			e.metrics.RecordLedgerFault("marketserver", reason)
			return errors.InsufficientFunds(formatAmount(amount), formatAmount(balance))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance - $2 WHERE agent_id = $1`, agentID, amount); err != nil {
			return errors.DatabaseError("charge "+reason, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.WithContext(ctx).WithField("agent_id", agentID).WithField("amount", amount).Info("charged " + reason)
	return nil
}

// lockAgentBalance locks a single agent row FOR UPDATE and returns its
// current balance.
func lockAgentBalance(ctx context.Context, tx *sql.Tx, agentID string) (float64, error) {
	var balance float64
	row := tx.QueryRowContext(ctx, `SELECT balance FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return 0, errors.NotFound("agent", agentID)
		}
		return 0, errors.DatabaseError("lock agent balance", err)
	}
	return balance, nil
}

// lockAgentsOrdered locks multiple agent rows FOR UPDATE in a
// deterministic (sorted) order so two concurrent operations touching the
// same pair of agents never deadlock against each other.
func lockAgentsOrdered(ctx context.Context, tx *sql.Tx, agentIDs []string) error {
	sorted := append([]string(nil), agentIDs...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if _, err := lockAgentBalance(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func appendAudit(ctx context.Context, tx *sql.Tx, escrowID string, action AuditAction, actorAgentID *string, amount *float64, metadata map[string]interface{}) error {
	var metadataJSON interface{}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return errors.Internal("marshal audit metadata", err)
		}
		metadataJSON = b
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_audit_entries (escrow_id, action, actor_agent_id, amount, occurred_at, metadata)
		VALUES ($1, $2, $3, $4, now(), $5)
	`, escrowID, string(action), actorAgentID, amount, metadataJSON)
	if err != nil {
		return errors.DatabaseError("append audit entry", err)
	}
	return nil
}

func formatAmount(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}

func lockEscrowByJob(ctx context.Context, tx *sql.Tx, jobID string) (*EscrowAccount, error) {
	var esc EscrowAccount
	var status string
	var fundedAt, releasedAt sql.NullTime

	row := tx.QueryRowContext(ctx, `
		SELECT escrow_id, job_id, client_agent_id, seller_agent_id, amount, status, funded_at, released_at
		FROM escrow_accounts WHERE job_id = $1 FOR UPDATE
	`, jobID)
	if err := row.Scan(&esc.EscrowID, &esc.JobID, &esc.ClientAgentID, &esc.SellerAgentID, &esc.Amount, &status, &fundedAt, &releasedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("escrow", jobID)
		}
		return nil, errors.DatabaseError("lock escrow", err)
	}
	esc.Status = EscrowStatus(status)
	if fundedAt.Valid {
		esc.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		esc.ReleasedAt = &releasedAt.Time
	}
	return &esc, nil
}
