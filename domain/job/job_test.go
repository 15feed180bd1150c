package job

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/ledger"
	"github.com/lreardon/agent-repository/infrastructure/logging"
)

type fakeRepository struct {
	jobs map[string]*Job
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{jobs: map[string]*Job{}}
}

func (f *fakeRepository) Create(ctx context.Context, j *Job) error {
	cp := *j
	f.jobs[j.JobID] = &cp
	return nil
}

func (f *fakeRepository) GetByID(ctx context.Context, jobID string) (*Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeRepository) Mutate(ctx context.Context, jobID, actorAgentID string, fn func(j *Job) error) (*Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errNotFound
	}
	cp := *j
	if err := fn(&cp); err != nil {
		return nil, err
	}
	f.jobs[jobID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeRepository) ListWithDeadlines(ctx context.Context) ([]*Job, error) {
	var out []*Job
	for _, j := range f.jobs {
		if j.DeliveryDeadline == nil {
			continue
		}
		switch j.Status {
		case StatusFunded, StatusInProgress, StatusDelivered:
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeEscrow struct {
	funded   map[string]ledger.FundInput
	released map[string]bool
	refunded map[string]ledger.RefundCause
	// repo, when set, receives the job status transition the real ledger
	// applies inside its Fund/Release transaction.
	repo *fakeRepository
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{funded: map[string]ledger.FundInput{}, released: map[string]bool{}, refunded: map[string]ledger.RefundCause{}}
}

func (f *fakeEscrow) Fund(ctx context.Context, in ledger.FundInput) (*ledger.EscrowAccount, error) {
	f.funded[in.JobID] = in
	if f.repo != nil {
		if j, ok := f.repo.jobs[in.JobID]; ok {
			j.Status = StatusFunded
		}
	}
	return &ledger.EscrowAccount{JobID: in.JobID, Status: ledger.EscrowFunded}, nil
}

func (f *fakeEscrow) Release(ctx context.Context, jobID string) error {
	f.released[jobID] = true
	if f.repo != nil {
		if j, ok := f.repo.jobs[jobID]; ok {
			j.Status = StatusCompleted
		}
	}
	return nil
}

func (f *fakeEscrow) Refund(ctx context.Context, jobID string, cause ledger.RefundCause) error {
	f.refunded[jobID] = cause
	return nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func newTestService() (*Service, *fakeRepository, *fakeEscrow) {
	repo := newFakeRepository()
	escrow := newFakeEscrow()
	escrow.repo = repo
	logger := logging.New("job-test", "error", "text")
	return NewService(repo, escrow, logger, nil), repo, escrow
}

func proposeBasicJob(t *testing.T, svc *Service) *Job {
	t.Helper()
	j, err := svc.Propose(context.Background(), ProposeRequest{
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		AcceptanceCriteria: json.RawMessage(`{"version":"1.0","tests":[],"pass_threshold":"all"}`),
		Requirements:       "summarize the attached document",
		ProposedPrice:      50.00,
	})
	require.NoError(t, err)
	return j
}

func TestPropose_RejectsSameClientAndSeller(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Propose(context.Background(), ProposeRequest{
		ClientAgentID:      "agent-1",
		SellerAgentID:      "agent-1",
		AcceptanceCriteria: json.RawMessage(`{}`),
		Requirements:       "x",
		ProposedPrice:      10,
	})
	assert.Error(t, err)
}

func TestCounter_RejectsSamePartyCounteringTwice(t *testing.T) {
	svc, _, _ := newTestService()
	j := proposeBasicJob(t, svc)

	_, err := svc.Counter(context.Background(), CounterRequest{JobID: j.JobID, ActorAgentID: "client-1", ProposedPrice: 45})
	assert.Error(t, err)
}

func TestCounter_AutoCancelsAfterMaxRounds(t *testing.T) {
	svc, _, _ := newTestService()
	repo := newFakeRepository()
	escrow := newFakeEscrow()
	svc = NewService(repo, escrow, logging.New("job-test", "error", "text"), nil)

	j, err := svc.Propose(context.Background(), ProposeRequest{
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		AcceptanceCriteria: json.RawMessage(`{}`),
		Requirements:       "x",
		ProposedPrice:      10,
		MaxRounds:          1,
	})
	require.NoError(t, err)

	_, err = svc.Counter(context.Background(), CounterRequest{JobID: j.JobID, ActorAgentID: "seller-1", ProposedPrice: 12})
	require.NoError(t, err)

	updated, err := svc.Counter(context.Background(), CounterRequest{JobID: j.JobID, ActorAgentID: "client-1", ProposedPrice: 11})
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, updated.Status)
}

func TestAccept_SellerMustPresentExactCriteriaHash(t *testing.T) {
	svc, _, _ := newTestService()
	j := proposeBasicJob(t, svc)

	_, err := svc.Accept(context.Background(), AcceptRequest{JobID: j.JobID, ActorAgentID: "seller-1"})
	assert.Error(t, err)

	staleHash := "0000000000000000000000000000000000000000000000000000000000000000"
	_, err = svc.Accept(context.Background(), AcceptRequest{JobID: j.JobID, ActorAgentID: "seller-1", PresentedCriteriaHash: &staleHash})
	assert.Error(t, err)

	accepted, err := svc.Accept(context.Background(), AcceptRequest{JobID: j.JobID, ActorAgentID: "seller-1", PresentedCriteriaHash: &j.AcceptanceCriteriaHash})
	require.NoError(t, err)
	assert.Equal(t, StatusAgreed, accepted.Status)
	require.NotNil(t, accepted.AgreedPrice)
	assert.Equal(t, 50.00, *accepted.AgreedPrice)
}

func TestFullLifecycle_ProposeToComplete(t *testing.T) {
	svc, _, escrow := newTestService()
	j := proposeBasicJob(t, svc)

	agreed, err := svc.Accept(context.Background(), AcceptRequest{JobID: j.JobID, ActorAgentID: "seller-1", PresentedCriteriaHash: &j.AcceptanceCriteriaHash})
	require.NoError(t, err)
	assert.Equal(t, StatusAgreed, agreed.Status)

	funded, err := svc.Fund(context.Background(), j.JobID, "client-1")
	require.NoError(t, err)
	assert.Contains(t, escrow.funded, j.JobID)
	_ = funded

	started, err := svc.Start(context.Background(), j.JobID, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, started.Status)

	delivered, err := svc.Deliver(context.Background(), j.JobID, "seller-1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, delivered.Status)

	verifying, err := svc.Verify(context.Background(), j.JobID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusVerifying, verifying.Status)

	completed, err := svc.Complete(context.Background(), j.JobID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.True(t, escrow.released[j.JobID])

	// Idempotent recompletion.
	again, err := svc.Complete(context.Background(), j.JobID, "client-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
}

func TestResultRedaction_HiddenFromNonParty(t *testing.T) {
	svc, _, _ := newTestService()
	j := proposeBasicJob(t, svc)
	j.Result = json.RawMessage(`{"secret":true}`)
	j.Status = StatusCompleted

	assert.Nil(t, j.RedactedResult("someone-else"))
	assert.NotNil(t, j.RedactedResult("client-1"))
	assert.NotNil(t, j.RedactedResult("seller-1"))
}

func TestFail_RefundsEscrow(t *testing.T) {
	svc, repo, escrow := newTestService()
	j := proposeBasicJob(t, svc)
	stored := repo.jobs[j.JobID]
	stored.Status = StatusInProgress

	failed, err := svc.Fail(context.Background(), j.JobID, "client-1", "seller endpoint unreachable")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, ledger.RefundFailed, escrow.refunded[j.JobID])
}

func TestExpireDeadline_RefundsFundedJob(t *testing.T) {
	svc, repo, escrow := newTestService()
	j := proposeBasicJob(t, svc)
	stored := repo.jobs[j.JobID]
	stored.Status = StatusFunded

	expired, err := svc.ExpireDeadline(context.Background(), j.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, expired.Status)
	assert.Equal(t, ledger.RefundDeadline, escrow.refunded[j.JobID])
}

func TestExpireDeadline_NoOpOnTerminalJob(t *testing.T) {
	svc, repo, escrow := newTestService()
	j := proposeBasicJob(t, svc)
	stored := repo.jobs[j.JobID]
	stored.Status = StatusCompleted

	result, err := svc.ExpireDeadline(context.Background(), j.JobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	_, refunded := escrow.refunded[j.JobID]
	assert.False(t, refunded)
}

type fakeNotifier struct {
	events []fakeNotifierCall
}

type fakeNotifierCall struct {
	targetAgentID string
	eventType     string
	jobID         string
}

func (f *fakeNotifier) NotifyJobEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage) {
	f.events = append(f.events, fakeNotifierCall{targetAgentID, eventType, jobID})
}

func TestPropose_NotifiesSeller(t *testing.T) {
	repo := newFakeRepository()
	escrow := newFakeEscrow()
	notifier := &fakeNotifier{}
	svc := NewService(repo, escrow, logging.New("job-test", "error", "text"), notifier)

	j := proposeBasicJob(t, svc)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, "seller-1", notifier.events[0].targetAgentID)
	assert.Equal(t, "job.proposed", notifier.events[0].eventType)
	assert.Equal(t, j.JobID, notifier.events[0].jobID)
}

func TestFail_NotifiesBothParties(t *testing.T) {
	repo := newFakeRepository()
	escrow := newFakeEscrow()
	notifier := &fakeNotifier{}
	svc := NewService(repo, escrow, logging.New("job-test", "error", "text"), notifier)

	j := proposeBasicJob(t, svc)
	stored := repo.jobs[j.JobID]
	stored.Status = StatusInProgress

	_, err := svc.Fail(context.Background(), j.JobID, "client-1", "gave up")
	require.NoError(t, err)

	var targets []string
	for _, ev := range notifier.events {
		if ev.eventType == "job.failed" {
			targets = append(targets, ev.targetAgentID)
		}
	}
	assert.ElementsMatch(t, []string{"client-1", "seller-1"}, targets)
}
