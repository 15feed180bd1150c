package wallet

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

func TestDeriveAddress_DeterministicPerIndex(t *testing.T) {
	secret := []byte("super-secret-master-key")
	a0, err := DeriveAddress(secret, 0)
	require.NoError(t, err)
	a0Again, err := DeriveAddress(secret, 0)
	require.NoError(t, err)
	a1, err := DeriveAddress(secret, 1)
	require.NoError(t, err)

	assert.Equal(t, a0, a0Again)
	assert.NotEqual(t, a0, a1)
	assert.Len(t, a0, 42) // "0x" + 40 hex chars
}

func TestDeriveAddress_RejectsEmptySecret(t *testing.T) {
	_, err := DeriveAddress(nil, 0)
	assert.Error(t, err)
}

type fakeChain struct {
	transactions   map[string]Transaction
	confirmations  map[string]int
	broadcastCalls []string
	broadcastErr   error
	broadcastHash  string
}

func (f *fakeChain) GetTransaction(ctx context.Context, txHash string) (Transaction, error) {
	return f.transactions[txHash], nil
}

func (f *fakeChain) Confirmations(ctx context.Context, txHash string) (int, error) {
	return f.confirmations[txHash], nil
}

func (f *fakeChain) BroadcastTransfer(ctx context.Context, toAddress string, amountUSDC float64) (string, error) {
	f.broadcastCalls = append(f.broadcastCalls, toAddress)
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	return f.broadcastHash, nil
}

func newTestLogger() *logging.Logger { return logging.New("wallet-test", "error", "text") }

func TestDepositService_CreditsOnceConfirmationThresholdReached(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	chain := &fakeChain{
		transactions: map[string]Transaction{
			"0xabc": {TxHash: "0xabc", ToAddress: "0xdeposit", AmountUSDC: 50.0, Confirmations: 12, BlockNumber: 100},
		},
		confirmations: map[string]int{"0xabc": 12},
	}
	svc := NewDepositService(store, chain, []byte("secret"), newTestLogger(), metrics.NewWithRegistry("wallet-test-1", prometheus.NewRegistry()))

	mock.ExpectQuery(`SELECT agent_id FROM deposit_addresses WHERE address = \$1`).
		WithArgs("0xdeposit").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id"}).AddRow("agent-1"))
	mock.ExpectQuery(`SELECT tx_hash, agent_id, amount_usdc, amount_credits, confirmations, status, block_number, detected_at, credited_at\s+FROM deposit_transactions WHERE tx_hash = \$1`).
		WithArgs("0xabc").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO deposit_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT tx_hash, agent_id, amount_usdc, amount_credits, confirmations, status, block_number, detected_at, credited_at\s+FROM deposit_transactions WHERE tx_hash = \$1`).
		WithArgs("0xabc").
		WillReturnRows(sqlmock.NewRows([]string{"tx_hash", "agent_id", "amount_usdc", "amount_credits", "confirmations", "status", "block_number", "detected_at", "credited_at"}).
			AddRow("0xabc", "agent-1", 50.0, 50.0, 0, "pending", int64(100), time.Now(), nil))
	mock.ExpectBegin()
	mock.ExpectExec(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE agents SET balance = balance \+ \$2 WHERE agent_id = \$1`).
		WithArgs("agent-1", 50.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE deposit_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := svc.NotifyDeposit(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, DepositCredited, d.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalService_Request_RejectsBelowFee(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	svc := NewWithdrawalService(store, &fakeChain{}, newTestLogger(), metrics.NewWithRegistry("wallet-test-2", prometheus.NewRegistry()))

	_, err = svc.Request(context.Background(), "agent-1", 0.25, "0xout")
	assert.Error(t, err)
}

func TestWithdrawalService_Request_DebitsBalanceAndInsertsPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	svc := NewWithdrawalService(store, &fakeChain{}, newTestLogger(), metrics.NewWithRegistry("wallet-test-3", prometheus.NewRegistry()))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100.0))
	mock.ExpectExec(`UPDATE agents SET balance = balance - \$2 WHERE agent_id = \$1`).
		WithArgs("agent-1", 10.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO withdrawal_requests`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, err := svc.Request(context.Background(), "agent-1", 10.0, "0xout")
	require.NoError(t, err)
	assert.Equal(t, WithdrawalPending, w.Status)
	assert.Equal(t, 10.0-WithdrawalFeeFlat, w.NetPayout)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithdrawalService_Request_InsufficientBalanceRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	svc := NewWithdrawalService(store, &fakeChain{}, newTestLogger(), metrics.NewWithRegistry("wallet-test-4", prometheus.NewRegistry()))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(1.0))
	mock.ExpectRollback()

	_, err = svc.Request(context.Background(), "agent-1", 10.0, "0xout")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
