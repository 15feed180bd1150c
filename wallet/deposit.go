package wallet

import (
	"context"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

// DepositService watches for and credits confirmed on-chain deposits.
// A USDC credit is worth one balance credit; amount_credits exists as
// a distinct column only so a future non-1:1 conversion rate does not
// require a schema change.
type DepositService struct {
	store        *Store
	chain        ChainClient
	masterSecret []byte
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// NewDepositService constructs a DepositService. masterSecret must be
// loaded once by the caller from the configured secrets backend.
func NewDepositService(store *Store, chain ChainClient, masterSecret []byte, logger *logging.Logger, m *metrics.Metrics) *DepositService {
	return &DepositService{
		store:        store,
		chain:        chain,
		masterSecret: masterSecret,
		logger:       logger,
		metrics:      m,
	}
}

// AddressFor returns the agent's deposit address, deriving and
// persisting one on first use.
func (s *DepositService) AddressFor(ctx context.Context, agentID string) (string, error) {
	return s.store.AllocateAddress(ctx, agentID, s.masterSecret)
}

// NotifyDeposit is invoked when the chain watcher observes a transfer
// into one of our deposit addresses. It records the transaction
// (idempotent on tx_hash) and begins tracking confirmations; it never
// credits a balance directly — ProcessConfirmations does that once the
// confirmation threshold is met.
func (s *DepositService) NotifyDeposit(ctx context.Context, txHash string) (*Deposit, error) {
	tx, err := s.chain.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, errors.DependencyError("chain client", err)
	}

	agentID, err := s.store.AgentForAddress(ctx, tx.ToAddress)
	if err != nil {
		return nil, err
	}

	if tx.AmountUSDC < MinDepositUSDC {
		s.logger.WithContext(ctx).WithField("tx_hash", txHash).WithField("amount_usdc", tx.AmountUSDC).
			Warn("deposit below minimum credited amount, recording but will not credit")
	}

	d := &Deposit{
		TxHash:        txHash,
		AgentID:       agentID,
		AmountUSDC:    tx.AmountUSDC,
		AmountCredits: tx.AmountUSDC,
		Confirmations: tx.Confirmations,
		Status:        DepositPending,
		DetectedAt:    time.Now().UTC(),
	}
	if tx.BlockNumber > 0 {
		bn := tx.BlockNumber
		d.BlockNumber = &bn
	}

	stored, err := s.store.CreateOrGetDeposit(ctx, d)
	if err != nil {
		return nil, err
	}

	return s.ProcessConfirmations(ctx, stored.TxHash)
}

// ProcessConfirmations re-polls a deposit's confirmation count and
// credits the agent's balance once it reaches MinConfirmations. It is
// safe to call repeatedly; a deposit already credited or failed is a
// no-op.
func (s *DepositService) ProcessConfirmations(ctx context.Context, txHash string) (*Deposit, error) {
	d, err := s.store.GetDeposit(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if d.Status == DepositCredited || d.Status == DepositFailed {
		return d, nil
	}

	confirmations, err := s.chain.Confirmations(ctx, txHash)
	if err != nil {
		return nil, errors.DependencyError("chain client", err)
	}

	if confirmations < MinConfirmations {
		if err := s.store.UpdateDepositProgress(ctx, txHash, confirmations, d.BlockNumber); err != nil {
			return nil, err
		}
		d.Confirmations = confirmations
		d.Status = DepositConfirming
		return d, nil
	}

	if d.AmountUSDC < MinDepositUSDC {
		if err := s.store.MarkDepositFailed(ctx, txHash); err != nil {
			return nil, err
		}
		d.Status = DepositFailed
		return d, nil
	}

	if err := s.store.CreditDeposit(ctx, txHash, d.AgentID, d.AmountCredits, confirmations); err != nil {
		return nil, err
	}
	d.Status = DepositCredited
	d.Confirmations = confirmations
	s.logger.WithContext(ctx).WithField("tx_hash", txHash).WithField("agent_id", d.AgentID).
		WithField("amount_credits", d.AmountCredits).Info("deposit credited")
	if s.metrics != nil {
		s.metrics.RecordWalletOp("marketserver", "deposit", "credited")
	}
	return d, nil
}
