package main

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/infrastructure/config"
	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/ratelimit"
	"github.com/lreardon/agent-repository/scheduler/deadline"
	"github.com/lreardon/agent-repository/wallet"
)

func testLogger() *logging.Logger { return logging.New("marketserver-test", "error", "text") }

func TestMergeRateLimitTable_OverridesNamedCategory_KeepsRestDefault(t *testing.T) {
	overrides := map[string]config.RateLimitRule{
		"write": {Capacity: 5, RefillPerMinute: 1},
	}

	table := mergeRateLimitTable(overrides)

	assert.Equal(t, ratelimit.Rule{Capacity: 5, RefillPerMinute: 1}, table[ratelimit.CategoryWrite])
	assert.Equal(t, ratelimit.DefaultTable()[ratelimit.CategoryRead], table[ratelimit.CategoryRead])
}

func TestMergeRateLimitTable_NoOverrides_ReturnsDefaults(t *testing.T) {
	table := mergeRateLimitTable(nil)
	assert.Equal(t, ratelimit.DefaultTable(), table)
}

func TestDecodeMasterKey_ValidHex(t *testing.T) {
	key, err := decodeMasterKey("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, key)
}

func TestDecodeMasterKey_InvalidHex(t *testing.T) {
	_, err := decodeMasterKey("not-hex")
	assert.Error(t, err)
}

type fakeJobRepository struct {
	withDeadlines []*job.Job
}

func (f *fakeJobRepository) Create(ctx context.Context, j *job.Job) error { return nil }

func (f *fakeJobRepository) GetByID(ctx context.Context, jobID string) (*job.Job, error) {
	return nil, nil
}

func (f *fakeJobRepository) Mutate(ctx context.Context, jobID, actorAgentID string, fn func(j *job.Job) error) (*job.Job, error) {
	return nil, nil
}

func (f *fakeJobRepository) ListWithDeadlines(ctx context.Context) ([]*job.Job, error) {
	return f.withDeadlines, nil
}

func TestRecoverBackground_SeedsDeadlineQueueFromJobsWithDeadlines(t *testing.T) {
	deadlineAt := time.Now().Add(2 * time.Hour)
	jobRepo := &fakeJobRepository{withDeadlines: []*job.Job{
		{JobID: "job-with-deadline", DeliveryDeadline: &deadlineAt},
		{JobID: "job-without-deadline"},
	}}

	store := kvstore.NewMemoryStore()
	queue := deadline.NewDualQueue(store)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT").WillReturnError(assertErrNoRows{})

	walletStore := wallet.NewStore(db)
	deposits := wallet.NewDepositService(walletStore, nil, []byte("0123456789abcdef0123456789abcdef"), testLogger(), nil)
	withdrawals := wallet.NewWithdrawalService(walletStore, nil, testLogger(), nil)
	watcher := wallet.NewWatcher(walletStore, deposits, withdrawals, testLogger())

	recoverBackground(context.Background(), testLogger(), jobRepo, queue, watcher)

	member, _, ok, err := store.ZPopMinBlocking(context.Background(), deadline.ExpiryQueueKey, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-with-deadline", member)
}

type assertErrNoRows struct{}

func (assertErrNoRows) Error() string { return "no rows matched mock expectation" }
