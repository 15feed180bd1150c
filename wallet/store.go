package wallet

import (
	"context"
	"database/sql"
	stderrors "errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lreardon/agent-repository/infrastructure/database"
	"github.com/lreardon/agent-repository/infrastructure/errors"
)

func isNotFound(err error) bool {
	var svcErr *errors.ServiceError
	return stderrors.As(err, &svcErr) && svcErr.Code == errors.ErrCodeNotFound
}

// DepositStatus is a deposit_transactions row's lifecycle state.
type DepositStatus string

const (
	DepositPending    DepositStatus = "pending"
	DepositConfirming DepositStatus = "confirming"
	DepositCredited   DepositStatus = "credited"
	DepositFailed     DepositStatus = "failed"
)

// WithdrawalStatus is a withdrawal_requests row's lifecycle state.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// Deposit is a tracked on-chain transfer into an agent's address.
type Deposit struct {
	TxHash        string
	AgentID       string
	AmountUSDC    float64
	AmountCredits float64
	Confirmations int
	Status        DepositStatus
	BlockNumber   *int64
	DetectedAt    time.Time
	CreditedAt    *time.Time
}

// Withdrawal is a requested payout from an agent's balance.
type Withdrawal struct {
	WithdrawalID       string
	AgentID            string
	Amount             float64
	Fee                float64
	NetPayout          float64
	DestinationAddress string
	Status             WithdrawalStatus
	TxHash             *string
	RequestedAt        time.Time
	ProcessedAt        *time.Time
	ErrorMessage       *string
}

// Store persists deposit addresses, deposit transactions, and
// withdrawal requests.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// AllocateAddress returns the agent's existing deposit address, or
// derives and stores a new one at the next unused derivation index if
// none exists yet.
func (s *Store) AllocateAddress(ctx context.Context, agentID string, masterSecret []byte) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT address FROM deposit_addresses WHERE agent_id = $1`, agentID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.DatabaseError("look up deposit address", err)
	}

	var address string
	txErr := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var nextIndex int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(derivation_index), -1) + 1 FROM deposit_addresses FOR UPDATE`).Scan(&nextIndex); err != nil {
			return errors.DatabaseError("allocate derivation index", err)
		}
		derived, err := DeriveAddress(masterSecret, uint64(nextIndex))
		if err != nil {
			return errors.Internal("derive deposit address", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO deposit_addresses (agent_id, address, derivation_index, created_at)
			VALUES ($1, $2, $3, now())
		`, agentID, derived, nextIndex); err != nil {
			return errors.DatabaseError("insert deposit address", err)
		}
		address = derived
		return nil
	})
	if txErr != nil {
		return "", txErr
	}
	return address, nil
}

// AgentForAddress resolves the agent that owns a deposit address.
func (s *Store) AgentForAddress(ctx context.Context, address string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx, `SELECT agent_id FROM deposit_addresses WHERE address = $1`, address).Scan(&agentID)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("deposit address", address)
	}
	if err != nil {
		return "", errors.DatabaseError("look up deposit address owner", err)
	}
	return agentID, nil
}

// CreateOrGetDeposit inserts a new deposit row, or returns the existing
// row unchanged if tx_hash has already been recorded — deposits are
// idempotent on tx_hash since the chain notification that triggers
// CreateOrGetDeposit may be delivered more than once.
func (s *Store) CreateOrGetDeposit(ctx context.Context, d *Deposit) (*Deposit, error) {
	existing, err := s.GetDeposit(ctx, d.TxHash)
	if err == nil {
		return existing, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deposit_transactions
			(tx_hash, agent_id, amount_usdc, amount_credits, confirmations, status, block_number, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.TxHash, d.AgentID, d.AmountUSDC, d.AmountCredits, d.Confirmations, string(d.Status), d.BlockNumber, d.DetectedAt)
	if err != nil {
		return nil, errors.DatabaseError("insert deposit transaction", err)
	}
	return d, nil
}

func (s *Store) GetDeposit(ctx context.Context, txHash string) (*Deposit, error) {
	var d Deposit
	var status string
	var blockNumber sql.NullInt64
	var creditedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT tx_hash, agent_id, amount_usdc, amount_credits, confirmations, status, block_number, detected_at, credited_at
		FROM deposit_transactions WHERE tx_hash = $1
	`, txHash).Scan(&d.TxHash, &d.AgentID, &d.AmountUSDC, &d.AmountCredits, &d.Confirmations,
		&status, &blockNumber, &d.DetectedAt, &creditedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound("deposit transaction", txHash)
	}
	if err != nil {
		return nil, errors.DatabaseError("get deposit transaction", err)
	}
	d.Status = DepositStatus(status)
	if blockNumber.Valid {
		v := blockNumber.Int64
		d.BlockNumber = &v
	}
	if creditedAt.Valid {
		v := creditedAt.Time
		d.CreditedAt = &v
	}
	return &d, nil
}

// ListConfirming returns every deposit still awaiting confirmations,
// for the watcher's poll loop and startup reconciliation scan.
func (s *Store) ListConfirming(ctx context.Context) ([]*Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, agent_id, amount_usdc, amount_credits, confirmations, status, block_number, detected_at, credited_at
		FROM deposit_transactions WHERE status IN ('pending', 'confirming')
	`)
	if err != nil {
		return nil, errors.DatabaseError("list confirming deposits", err)
	}
	defer rows.Close()

	var out []*Deposit
	for rows.Next() {
		var d Deposit
		var status string
		var blockNumber sql.NullInt64
		var creditedAt sql.NullTime
		if err := rows.Scan(&d.TxHash, &d.AgentID, &d.AmountUSDC, &d.AmountCredits, &d.Confirmations,
			&status, &blockNumber, &d.DetectedAt, &creditedAt); err != nil {
			return nil, errors.DatabaseError("scan deposit transaction", err)
		}
		d.Status = DepositStatus(status)
		if blockNumber.Valid {
			v := blockNumber.Int64
			d.BlockNumber = &v
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// UpdateDepositProgress records a new confirmation count without
// crediting — used while confirmations remain below MinConfirmations.
func (s *Store) UpdateDepositProgress(ctx context.Context, txHash string, confirmations int, blockNumber *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deposit_transactions SET confirmations = $2, status = 'confirming', block_number = $3
		WHERE tx_hash = $1
	`, txHash, confirmations, blockNumber)
	if err != nil {
		return errors.DatabaseError("update deposit progress", err)
	}
	return nil
}

// CreditDeposit atomically locks the agent row, adds amountCredits to
// its balance, and marks the deposit row credited. Both mutations
// commit together so a credited deposit always implies a credited
// balance and vice versa.
func (s *Store) CreditDeposit(ctx context.Context, txHash, agentID string, amountCredits float64, confirmations int) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT balance FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID); err != nil {
			return errors.DatabaseError("lock agent balance", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance + $2 WHERE agent_id = $1`, agentID, amountCredits); err != nil {
			return errors.DatabaseError("credit agent balance", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE deposit_transactions
			SET status = 'credited', confirmations = $2, credited_at = now()
			WHERE tx_hash = $1
		`, txHash, confirmations); err != nil {
			return errors.DatabaseError("mark deposit credited", err)
		}
		return nil
	})
}

// MarkDepositFailed marks a deposit permanently unrecoverable (e.g. the
// chain reorganized it away). No balance was ever credited for a
// pending/confirming deposit, so no refund is needed.
func (s *Store) MarkDepositFailed(ctx context.Context, txHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE deposit_transactions SET status = 'failed' WHERE tx_hash = $1`, txHash)
	if err != nil {
		return errors.DatabaseError("mark deposit failed", err)
	}
	return nil
}

// CreateWithdrawal debits amount from the agent's balance immediately
// (preventing double-spend across concurrent withdrawal requests) and
// inserts a pending withdrawal row in the same transaction.
func (s *Store) CreateWithdrawal(ctx context.Context, agentID string, amount, fee float64, destinationAddress string) (*Withdrawal, error) {
	w := &Withdrawal{
		WithdrawalID:       uuid.NewString(),
		AgentID:            agentID,
		Amount:             amount,
		Fee:                fee,
		NetPayout:          amount - fee,
		DestinationAddress: destinationAddress,
		Status:             WithdrawalPending,
		RequestedAt:        time.Now().UTC(),
	}
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var balance float64
		if err := tx.QueryRowContext(ctx, `SELECT balance FROM agents WHERE agent_id = $1 FOR UPDATE`, agentID).Scan(&balance); err != nil {
			if err == sql.ErrNoRows {
				return errors.NotFound("agent", agentID)
			}
			return errors.DatabaseError("lock agent balance", err)
		}
		if balance < amount {
			return errors.InsufficientFunds(strconv.FormatFloat(amount, 'f', 2, 64), strconv.FormatFloat(balance, 'f', 2, 64))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance - $2 WHERE agent_id = $1`, agentID, amount); err != nil {
			return errors.DatabaseError("debit agent balance", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawal_requests
				(withdrawal_id, agent_id, amount, fee, net_payout, destination_address, status, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, w.WithdrawalID, w.AgentID, w.Amount, w.Fee, w.NetPayout, w.DestinationAddress, string(w.Status), w.RequestedAt); err != nil {
			return errors.DatabaseError("insert withdrawal request", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListPendingWithdrawals returns withdrawal rows awaiting broadcast.
func (s *Store) ListPendingWithdrawals(ctx context.Context) ([]*Withdrawal, error) {
	return s.listWithdrawalsByStatus(ctx, WithdrawalPending)
}

// ListProcessingWithdrawals returns withdrawal rows already broadcast
// but not yet resolved, for startup reconciliation.
func (s *Store) ListProcessingWithdrawals(ctx context.Context) ([]*Withdrawal, error) {
	return s.listWithdrawalsByStatus(ctx, WithdrawalProcessing)
}

func (s *Store) listWithdrawalsByStatus(ctx context.Context, status WithdrawalStatus) ([]*Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT withdrawal_id, agent_id, amount, fee, net_payout, destination_address, status, tx_hash, requested_at, processed_at, error_message
		FROM withdrawal_requests WHERE status = $1
	`, string(status))
	if err != nil {
		return nil, errors.DatabaseError("list withdrawals", err)
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowLike interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(row rowLike) (*Withdrawal, error) {
	var w Withdrawal
	var status string
	var txHash, errorMessage sql.NullString
	var processedAt sql.NullTime
	if err := row.Scan(&w.WithdrawalID, &w.AgentID, &w.Amount, &w.Fee, &w.NetPayout,
		&w.DestinationAddress, &status, &txHash, &w.RequestedAt, &processedAt, &errorMessage); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("withdrawal", "")
		}
		return nil, errors.DatabaseError("scan withdrawal", err)
	}
	w.Status = WithdrawalStatus(status)
	if txHash.Valid {
		v := txHash.String
		w.TxHash = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		w.ProcessedAt = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		w.ErrorMessage = &v
	}
	return &w, nil
}

// MarkBroadcast records the broadcast tx_hash and moves a withdrawal to
// processing.
func (s *Store) MarkBroadcast(ctx context.Context, withdrawalID, txHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = 'processing', tx_hash = $2 WHERE withdrawal_id = $1
	`, withdrawalID, txHash)
	if err != nil {
		return errors.DatabaseError("mark withdrawal broadcast", err)
	}
	return nil
}

// CompleteWithdrawal marks a withdrawal completed once its transaction
// is confirmed mined.
func (s *Store) CompleteWithdrawal(ctx context.Context, withdrawalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = 'completed', processed_at = now() WHERE withdrawal_id = $1
	`, withdrawalID)
	if err != nil {
		return errors.DatabaseError("complete withdrawal", err)
	}
	return nil
}

// FailWithdrawal refunds the originally-debited amount back to the
// agent's balance and marks the withdrawal permanently failed, in one
// transaction.
func (s *Store) FailWithdrawal(ctx context.Context, w *Withdrawal, reason string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT balance FROM agents WHERE agent_id = $1 FOR UPDATE`, w.AgentID); err != nil {
			return errors.DatabaseError("lock agent balance", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET balance = balance + $2 WHERE agent_id = $1`, w.AgentID, w.Amount); err != nil {
			return errors.DatabaseError("refund withdrawal", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE withdrawal_requests SET status = 'failed', processed_at = now(), error_message = $2
			WHERE withdrawal_id = $1
		`, w.WithdrawalID, reason); err != nil {
			return errors.DatabaseError("mark withdrawal failed", err)
		}
		return nil
	})
}

// ResetToPending moves a withdrawal whose broadcast transaction never
// mined back to pending, for the reconciliation sweep to retry.
func (s *Store) ResetToPending(ctx context.Context, withdrawalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = 'pending', tx_hash = NULL WHERE withdrawal_id = $1
	`, withdrawalID)
	if err != nil {
		return errors.DatabaseError("reset withdrawal to pending", err)
	}
	return nil
}
