package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/domain/ledger"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/sandbox"
	"github.com/lreardon/agent-repository/verification"
	"github.com/lreardon/agent-repository/verification/declarative"
)

type fakeJobRepository struct {
	jobs map[string]*job.Job
}

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{jobs: map[string]*job.Job{}}
}

func (f *fakeJobRepository) Create(ctx context.Context, j *job.Job) error {
	cp := *j
	f.jobs[j.JobID] = &cp
	return nil
}

func (f *fakeJobRepository) GetByID(ctx context.Context, jobID string) (*job.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobRepository) Mutate(ctx context.Context, jobID, actorAgentID string, fn func(j *job.Job) error) (*job.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *j
	if err := fn(&cp); err != nil {
		return nil, err
	}
	f.jobs[jobID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeJobRepository) ListWithDeadlines(ctx context.Context) ([]*job.Job, error) {
	return nil, nil
}

// fakeEscrowEngine applies the job status transition the real ledger
// makes inside its Fund/Release transaction.
type fakeEscrowEngine struct{ repo *fakeJobRepository }

func (f fakeEscrowEngine) Fund(ctx context.Context, in ledger.FundInput) (*ledger.EscrowAccount, error) {
	if f.repo != nil {
		if j, ok := f.repo.jobs[in.JobID]; ok {
			j.Status = job.StatusFunded
		}
	}
	return &ledger.EscrowAccount{JobID: in.JobID, Status: ledger.EscrowFunded}, nil
}
func (f fakeEscrowEngine) Release(ctx context.Context, jobID string) error {
	if f.repo != nil {
		if j, ok := f.repo.jobs[jobID]; ok {
			j.Status = job.StatusCompleted
		}
	}
	return nil
}
func (fakeEscrowEngine) Refund(ctx context.Context, jobID string, cause ledger.RefundCause) error {
	return nil
}

func newTestJobService() (*job.Service, *fakeJobRepository) {
	repo := newFakeJobRepository()
	return job.NewService(repo, fakeEscrowEngine{repo: repo}, testLogger(), nil), repo
}

func proposeTestJob(t *testing.T, svc *job.Service, criteria json.RawMessage) *job.Job {
	t.Helper()
	j, err := svc.Propose(context.Background(), job.ProposeRequest{
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		AcceptanceCriteria: criteria,
		Requirements:       "summarize the attached document",
		ProposedPrice:      50,
	})
	require.NoError(t, err)
	return j
}

func withCaller(r *http.Request, agentID string) *http.Request {
	return r.WithContext(httputil.WithAgentID(r.Context(), agentID))
}

func TestJobHandlers_Propose_Success(t *testing.T) {
	svc, _ := newTestJobService()
	h := &jobHandlers{jobs: svc, logger: testLogger()}

	body := proposeJobRequest{
		SellerAgentID:      "seller-1",
		AcceptanceCriteria: json.RawMessage(`{"version":"1.0","tests":[],"pass_threshold":"all"}`),
		Requirements:       "summarize the attached document",
		ProposedPrice:      50,
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(raw))
	req = withCaller(req, "client-1")
	w := httptest.NewRecorder()

	h.propose(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "proposed", resp["status"])
}

func TestJobHandlers_Propose_RequiresAuthentication(t *testing.T) {
	svc, _ := newTestJobService()
	h := &jobHandlers{jobs: svc, logger: testLogger()}

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	h.propose(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestJobHandlers_Get_NotFound(t *testing.T) {
	svc, _ := newTestJobService()
	h := &jobHandlers{jobs: svc, logger: testLogger()}

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	w := httptest.NewRecorder()

	h.get(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobHandlers_Get_RedactsResultForNonParty(t *testing.T) {
	svc, repo := newTestJobService()
	j := proposeTestJob(t, svc, json.RawMessage(`{"version":"1.0","tests":[],"pass_threshold":"all"}`))
	completed := *j
	completed.Status = job.StatusCompleted
	completed.Result = json.RawMessage(`{"secret":"value"}`)
	repo.jobs[j.JobID] = &completed

	h := &jobHandlers{jobs: svc, logger: testLogger()}
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.JobID, nil)
	req = mux.SetURLVars(req, map[string]string{"id": j.JobID})
	req = withCaller(req, "someone-else")
	w := httptest.NewRecorder()

	h.get(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp["result"])
}

func TestJobHandlers_Verify_ReturnsAcceptedAndDrivesJobToCompleted(t *testing.T) {
	svc, repo := newTestJobService()
	criteria := json.RawMessage(`{"version":"1.0","tests":[{"test_id":"t1","type":"contains","params":{"pattern":"ok"}}],"pass_threshold":"all"}`)
	j := proposeTestJob(t, svc, criteria)

	delivered := *j
	delivered.Status = job.StatusDelivered
	delivered.Result = json.RawMessage(`{"status":"ok"}`)
	now := time.Now()
	delivered.StartedAt = &now
	delivered.DeliveredAt = &now
	repo.jobs[j.JobID] = &delivered

	orchestrator := verification.NewOrchestrator(declarative.NewRunner(false), noopSandbox{}, fakeFeeChargerAPI{}, svc, testLogger())
	h := &jobHandlers{jobs: svc, orchestrator: orchestrator, logger: testLogger()}

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+j.JobID+"/verify", nil)
	req = mux.SetURLVars(req, map[string]string{"id": j.JobID})
	req = withCaller(req, "client-1")
	w := httptest.NewRecorder()

	h.verify(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), j.JobID)
		return err == nil && got.Status == job.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

type noopSandbox struct{}

func (noopSandbox) Run(ctx context.Context, j sandbox.ScriptJob) (*sandbox.Result, error) {
	return &sandbox.Result{ExitCode: 0}, nil
}

type fakeFeeChargerAPI struct{}

func (fakeFeeChargerAPI) ChargeVerificationFee(ctx context.Context, clientAgentID string, cpuSeconds float64) (float64, error) {
	return 0, nil
}

func (fakeFeeChargerAPI) ChargeStorageFee(ctx context.Context, sellerAgentID string, bytes int64) (float64, error) {
	return 0, nil
}
