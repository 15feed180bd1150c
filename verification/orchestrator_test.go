package verification

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/sandbox"
	"github.com/lreardon/agent-repository/verification/declarative"
)

type fakeFeeCharger struct {
	verificationCalls int
	storageCalls      int
	verificationErr   error
	storageErr        error
}

func (f *fakeFeeCharger) ChargeVerificationFee(ctx context.Context, clientAgentID string, cpuSeconds float64) (float64, error) {
	f.verificationCalls++
	if f.verificationErr != nil {
		return 0, f.verificationErr
	}
	return 0.05, nil
}

func (f *fakeFeeCharger) ChargeStorageFee(ctx context.Context, sellerAgentID string, bytes int64) (float64, error) {
	f.storageCalls++
	if f.storageErr != nil {
		return 0, f.storageErr
	}
	return 0.01, nil
}

type fakeJobDriver struct {
	completedJobID string
	completedActor string
	failedJobID    string
	failedReason   string
}

func (f *fakeJobDriver) Complete(ctx context.Context, jobID, actorAgentID string) (*job.Job, error) {
	f.completedJobID = jobID
	f.completedActor = actorAgentID
	return &job.Job{JobID: jobID, Status: job.StatusCompleted}, nil
}

func (f *fakeJobDriver) FailVerification(ctx context.Context, jobID, reason string) (*job.Job, error) {
	f.failedJobID = jobID
	f.failedReason = reason
	return &job.Job{JobID: jobID, Status: job.StatusFailed}, nil
}

type fakeSandbox struct {
	result *sandbox.Result
	err    error
}

func (f *fakeSandbox) Run(ctx context.Context, j sandbox.ScriptJob) (*sandbox.Result, error) {
	return f.result, f.err
}

func newTestLogger() *logging.Logger { return logging.New("verification-test", "error", "text") }

func declarativeCriteria(t *testing.T) json.RawMessage {
	t.Helper()
	raw := json.RawMessage(`{
		"version": "1.0",
		"tests": [
			{"test_id": "t1", "type": "contains", "params": {"pattern": "\"status\":\"ok\""}}
		],
		"pass_threshold": "all"
	}`)
	_, err := declarative.ParseSuite(raw)
	require.NoError(t, err)
	return raw
}

func TestEvaluate_DeclarativePass_CompletesJob(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	o := NewOrchestrator(declarative.NewRunner(false), &fakeSandbox{}, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:              "job-1",
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		Status:             job.StatusVerifying,
		AcceptanceCriteria: declarativeCriteria(t),
		Result:             json.RawMessage(`{"status":"ok"}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, result.Status)
	assert.Equal(t, "job-1", jobs.completedJobID)
	assert.Equal(t, "client-1", jobs.completedActor)
	assert.Equal(t, 1, fees.verificationCalls)
	assert.Equal(t, 1, fees.storageCalls)
}

func TestEvaluate_DeclarativeFail_FailsVerification(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	o := NewOrchestrator(declarative.NewRunner(false), &fakeSandbox{}, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:              "job-2",
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		Status:             job.StatusVerifying,
		AcceptanceCriteria: declarativeCriteria(t),
		Result:             json.RawMessage(`{"status":"broken"}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, result.Status)
	assert.Equal(t, "job-2", jobs.failedJobID)
	assert.NotEmpty(t, jobs.failedReason)
}

func TestEvaluate_ScriptPass_CompletesJob(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	exec := &fakeSandbox{result: &sandbox.Result{ExitCode: 0}}
	o := NewOrchestrator(declarative.NewRunner(false), exec, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:         "job-3",
		ClientAgentID: "client-1",
		SellerAgentID: "seller-1",
		Status:        job.StatusVerifying,
		AcceptanceCriteria: json.RawMessage(`{
			"version": "2.0",
			"script": "print('ok')",
			"runtime": "python:3.13",
			"timeout_seconds": 30,
			"memory_limit_mb": 128
		}`),
		Result: json.RawMessage(`{}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, result.Status)
}

func TestEvaluate_ScriptNonZeroExit_FailsVerification(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	exec := &fakeSandbox{result: &sandbox.Result{ExitCode: 1, Stderr: "assertion failed"}}
	o := NewOrchestrator(declarative.NewRunner(false), exec, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:         "job-4",
		ClientAgentID: "client-1",
		SellerAgentID: "seller-1",
		Status:        job.StatusVerifying,
		AcceptanceCriteria: json.RawMessage(`{
			"version": "2.0",
			"script": "raise SystemExit(1)",
			"runtime": "python:3.13",
			"timeout_seconds": 30,
			"memory_limit_mb": 128
		}`),
		Result: json.RawMessage(`{}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, result.Status)
	assert.Contains(t, jobs.failedReason, "assertion failed")
}

func TestEvaluate_ScriptTimeout_FailsVerification(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	exec := &fakeSandbox{result: &sandbox.Result{TimedOut: true}}
	o := NewOrchestrator(declarative.NewRunner(false), exec, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:         "job-5",
		ClientAgentID: "client-1",
		SellerAgentID: "seller-1",
		Status:        job.StatusVerifying,
		AcceptanceCriteria: json.RawMessage(`{
			"version": "2.0",
			"script": "while True: pass",
			"runtime": "python:3.13",
			"timeout_seconds": 5,
			"memory_limit_mb": 128
		}`),
		Result: json.RawMessage(`{}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, result.Status)
	assert.Contains(t, jobs.failedReason, "timed out")
}

func TestEvaluate_UnsupportedVersion_FailsVerification(t *testing.T) {
	fees := &fakeFeeCharger{}
	jobs := &fakeJobDriver{}
	o := NewOrchestrator(declarative.NewRunner(false), &fakeSandbox{}, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:              "job-6",
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		Status:             job.StatusVerifying,
		AcceptanceCriteria: json.RawMessage(`{"version": "9.9"}`),
		Result:             json.RawMessage(`{}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, result.Status)
	assert.Contains(t, jobs.failedReason, "unsupported")
}

func TestEvaluate_FeeChargeFailure_DoesNotBlockVerdict(t *testing.T) {
	fees := &fakeFeeCharger{verificationErr: assertErr{}, storageErr: assertErr{}}
	jobs := &fakeJobDriver{}
	o := NewOrchestrator(declarative.NewRunner(false), &fakeSandbox{}, fees, jobs, newTestLogger())

	j := &job.Job{
		JobID:              "job-7",
		ClientAgentID:      "client-1",
		SellerAgentID:      "seller-1",
		Status:             job.StatusVerifying,
		AcceptanceCriteria: declarativeCriteria(t),
		Result:             json.RawMessage(`{"status":"ok"}`),
	}

	result, err := o.Evaluate(context.Background(), j)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, result.Status)
}

type assertErr struct{}

func (assertErr) Error() string { return "fee charge unavailable" }
