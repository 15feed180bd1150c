package ledger

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/fees"
	"github.com/lreardon/agent-repository/infrastructure/config"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
)

type fakeDeadlines struct {
	enqueued map[string]time.Time
	canceled map[string]bool
}

func newFakeDeadlines() *fakeDeadlines {
	return &fakeDeadlines{enqueued: map[string]time.Time{}, canceled: map[string]bool{}}
}

func (f *fakeDeadlines) Enqueue(ctx context.Context, jobID string, deadline time.Time) error {
	f.enqueued[jobID] = deadline
	return nil
}

func (f *fakeDeadlines) Cancel(ctx context.Context, jobID string) error {
	f.canceled[jobID] = true
	return nil
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *fakeDeadlines) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	feeEngine := fees.New(config.DefaultFeeSchedule())
	deadlines := newFakeDeadlines()
	logger := logging.New("ledger-test", "error", "text")
	m := metrics.NewWithRegistry("ledger-test", prometheus.NewRegistry())

	return New(db, feeEngine, deadlines, m, logger), mock, deadlines
}

func TestFund_DebitsClientAndEnqueuesDeadline(t *testing.T) {
	engine, mock, deadlines := newTestEngine(t)
	deadline := time.Now().Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100.00))
	mock.ExpectExec(`UPDATE agents SET balance = balance - \$2 WHERE agent_id = \$1`).
		WithArgs("client-1", 40.00).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escrow_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escrow_audit_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET status = 'funded'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	escrow, err := engine.Fund(context.Background(), FundInput{
		JobID:            "job-1",
		ClientAgentID:    "client-1",
		SellerAgentID:    "seller-1",
		AgreedPrice:      40.00,
		DeliveryDeadline: &deadline,
	})

	require.NoError(t, err)
	assert.Equal(t, EscrowFunded, escrow.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, deadlines.enqueued, "job-1")
}

func TestFund_InsufficientBalanceRollsBack(t *testing.T) {
	engine, mock, _ := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(10.00))
	mock.ExpectRollback()

	_, err := engine.Fund(context.Background(), FundInput{
		JobID: "job-1", ClientAgentID: "client-1", SellerAgentID: "seller-1", AgreedPrice: 40.00,
	})

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelease_SplitsFeeBetweenClientAndSeller(t *testing.T) {
	engine, mock, deadlines := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT escrow_id, job_id, client_agent_id, seller_agent_id, amount, status, funded_at, released_at FROM escrow_accounts WHERE job_id = \$1 FOR UPDATE`).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"escrow_id", "job_id", "client_agent_id", "seller_agent_id", "amount", "status", "funded_at", "released_at"}).
			AddRow("escrow-1", "job-1", "client-1", "seller-1", 100.00, "funded", time.Now(), nil))
	// lockAgentsOrdered locks "client-1" then "seller-1" (sorted).
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("client-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0.00))
	mock.ExpectQuery(`SELECT balance FROM agents WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("seller-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0.00))
	mock.ExpectExec(`UPDATE agents SET balance = balance \+ \$2 WHERE agent_id = \$1`).
		WithArgs("seller-1", 99.50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE agents SET balance = balance - \$2 WHERE agent_id = \$1`).
		WithArgs("client-1", 0.50).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE escrow_accounts SET status = 'released'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO escrow_audit_entries`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.Release(context.Background(), "job-1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, deadlines.canceled["job-1"])
}
