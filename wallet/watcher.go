package wallet

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lreardon/agent-repository/infrastructure/logging"
)

const sweepSchedule = "@every 5m"

// Watcher drives the recurring reconciliation work that keeps deposits
// and withdrawals moving even when no new chain notification arrives:
// deposits stuck below MinConfirmations are re-polled, and withdrawals
// whose broadcast transaction never mined (dropped, or stranded by a
// chain reorg) are retried.
type Watcher struct {
	deposits    *DepositService
	withdrawals *WithdrawalService
	store       *Store
	logger      *logging.Logger

	cron *cron.Cron
}

// NewWatcher constructs a Watcher.
func NewWatcher(store *Store, deposits *DepositService, withdrawals *WithdrawalService, logger *logging.Logger) *Watcher {
	return &Watcher{
		deposits:    deposits,
		withdrawals: withdrawals,
		store:       store,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Recover runs a one-shot reconciliation sweep at startup, before any
// periodic schedule begins, so a restart never leaves a deposit or
// withdrawal waiting longer than the sweep interval would suggest.
func (w *Watcher) Recover(ctx context.Context) error {
	w.sweep(ctx)
	return nil
}

// Start begins the periodic sweep in the background. It returns
// immediately; call Stop to end it.
func (w *Watcher) Start(ctx context.Context) {
	_, _ = w.cron.AddFunc(sweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 4*time.Minute)
		defer cancel()
		w.sweep(sweepCtx)
	})
	w.cron.Start()
}

// Stop ends the periodic sweep, waiting for any in-flight run to
// finish.
func (w *Watcher) Stop(ctx context.Context) error {
	stopped := w.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	confirming, err := w.store.ListConfirming(ctx)
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("list confirming deposits failed")
	} else {
		for _, d := range confirming {
			if _, err := w.deposits.ProcessConfirmations(ctx, d.TxHash); err != nil {
				w.logger.WithContext(ctx).WithError(err).WithField("tx_hash", d.TxHash).Warn("reconcile deposit failed")
			}
		}
	}

	if err := w.withdrawals.ProcessPending(ctx); err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("process pending withdrawals failed")
	}
	if err := w.withdrawals.ReconcileProcessing(ctx); err != nil {
		w.logger.WithContext(ctx).WithError(err).Warn("reconcile processing withdrawals failed")
	}
}
