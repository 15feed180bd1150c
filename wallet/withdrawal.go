package wallet

import (
	"context"

	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

// WithdrawalFeeFlat is the flat fee charged per withdrawal, deducted
// from the requested amount before the on-chain transfer is broadcast.
const WithdrawalFeeFlat = 0.50

// WithdrawalService processes agent payout requests against the chain.
type WithdrawalService struct {
	store   *Store
	chain   ChainClient
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewWithdrawalService constructs a WithdrawalService.
func NewWithdrawalService(store *Store, chain ChainClient, logger *logging.Logger, m *metrics.Metrics) *WithdrawalService {
	return &WithdrawalService{store: store, chain: chain, logger: logger, metrics: m}
}

// Request debits amount from the agent's balance immediately and
// records a pending withdrawal for the processor to broadcast. The
// debit happens before any chain interaction so a concurrent second
// request cannot overdraw the balance while the first is in flight.
func (s *WithdrawalService) Request(ctx context.Context, agentID string, amount float64, destinationAddress string) (*Withdrawal, error) {
	if amount <= WithdrawalFeeFlat {
		return nil, errors.InvalidInput("amount", "must exceed the withdrawal fee")
	}
	w, err := s.store.CreateWithdrawal(ctx, agentID, amount, WithdrawalFeeFlat, destinationAddress)
	if err != nil {
		s.recordMetric("request", "rejected")
		return nil, err
	}
	s.recordMetric("request", "accepted")
	return w, nil
}

// ProcessPending broadcasts every withdrawal still waiting for a
// transaction and moves it to processing. A broadcast failure refunds
// the debited amount immediately rather than leaving the agent's
// balance stuck pending a retry that outbound rate limits or chain
// congestion may delay indefinitely.
func (s *WithdrawalService) ProcessPending(ctx context.Context) error {
	pending, err := s.store.ListPendingWithdrawals(ctx)
	if err != nil {
		return err
	}
	for _, w := range pending {
		s.broadcast(ctx, w)
	}
	return nil
}

func (s *WithdrawalService) broadcast(ctx context.Context, w *Withdrawal) {
	txHash, err := s.chain.BroadcastTransfer(ctx, w.DestinationAddress, w.NetPayout)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Warn("withdrawal broadcast failed")
		if failErr := s.store.FailWithdrawal(ctx, w, err.Error()); failErr != nil {
			s.logger.WithContext(ctx).WithError(failErr).WithField("withdrawal_id", w.WithdrawalID).Error("refund after failed broadcast did not complete")
		}
		s.recordMetric("broadcast", "failed")
		return
	}
	if err := s.store.MarkBroadcast(ctx, w.WithdrawalID, txHash); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Error("mark withdrawal broadcast failed")
		return
	}
	s.recordMetric("broadcast", "sent")
}

// ReconcileProcessing re-checks every withdrawal already broadcast but
// not yet resolved, completing it if the transaction mined and resetting
// it back to pending for another broadcast attempt if the chain has no
// record of it (the transaction was dropped or reorganized away).
func (s *WithdrawalService) ReconcileProcessing(ctx context.Context) error {
	processing, err := s.store.ListProcessingWithdrawals(ctx)
	if err != nil {
		return err
	}
	for _, w := range processing {
		s.reconcileOne(ctx, w)
	}
	return nil
}

func (s *WithdrawalService) reconcileOne(ctx context.Context, w *Withdrawal) {
	if w.TxHash == nil {
		if err := s.store.ResetToPending(ctx, w.WithdrawalID); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Warn("reset untracked withdrawal failed")
		}
		return
	}
	tx, err := s.chain.GetTransaction(ctx, *w.TxHash)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Warn("reconcile withdrawal: chain lookup failed")
		return
	}
	if !tx.Mined {
		if err := s.store.ResetToPending(ctx, w.WithdrawalID); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Warn("reset unmined withdrawal failed")
		}
		return
	}
	if tx.Confirmations < MinConfirmations {
		return
	}
	if err := s.store.CompleteWithdrawal(ctx, w.WithdrawalID); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("withdrawal_id", w.WithdrawalID).Error("complete withdrawal failed")
		return
	}
	s.recordMetric("reconcile", "completed")
}

func (s *WithdrawalService) recordMetric(operation, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordWalletOp("marketserver", operation, outcome)
	}
}
