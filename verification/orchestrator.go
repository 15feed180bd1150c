// Package verification ties a delivered job's acceptance criteria to the
// declarative test runner or the sandboxed script executor, and drives
// the job back to completed or failed once a verdict is reached.
package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/sandbox"
	"github.com/lreardon/agent-repository/verification/declarative"
)

// FeeCharger is the narrow slice of domain/ledger.Engine verification
// needs: it charges the compute and storage surcharges regardless of
// whether the deliverable passed.
type FeeCharger interface {
	ChargeVerificationFee(ctx context.Context, clientAgentID string, cpuSeconds float64) (float64, error)
	ChargeStorageFee(ctx context.Context, sellerAgentID string, bytes int64) (float64, error)
}

// JobDriver is the narrow slice of domain/job.Service an evaluation
// drives once it reaches a verdict.
type JobDriver interface {
	Complete(ctx context.Context, jobID, actorAgentID string) (*job.Job, error)
	FailVerification(ctx context.Context, jobID, reason string) (*job.Job, error)
}

// criteriaEnvelope sniffs a job's acceptance_criteria document for the
// version tag that selects between the declarative test suite and the
// sandboxed script evaluator.
type criteriaEnvelope struct {
	Version string `json:"version"`
}

// scriptCriteria is a version-2.0 acceptance_criteria document: a script
// to run against the deliverable in an isolated runtime.
type scriptCriteria struct {
	Version        string `json:"version"`
	Script         string `json:"script"`
	Runtime        string `json:"runtime"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MemoryLimitMB  int    `json:"memory_limit_mb"`
}

// Orchestrator evaluates a verifying job's deliverable against its
// locked acceptance criteria and drives the job to completed or failed.
type Orchestrator struct {
	runner  *declarative.Runner
	sandbox sandbox.Executor
	fees    FeeCharger
	jobs    JobDriver
	logger  *logging.Logger
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(runner *declarative.Runner, exec sandbox.Executor, fees FeeCharger, jobs JobDriver, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{runner: runner, sandbox: exec, fees: fees, jobs: jobs, logger: logger}
}

// Evaluate runs j's acceptance criteria against its deliverable, charges
// the verification and storage fees regardless of the outcome, and
// drives the job to completed or failed. j must already be in the
// verifying status; Evaluate does not transition a job into it.
func (o *Orchestrator) Evaluate(ctx context.Context, j *job.Job) (*job.Job, error) {
	start := time.Now()
	passed, failureReason := o.run(ctx, j)
	elapsed := time.Since(start).Seconds()

	if _, err := o.fees.ChargeVerificationFee(ctx, j.ClientAgentID, elapsed); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("verification fee charge failed")
	}
	if _, err := o.fees.ChargeStorageFee(ctx, j.SellerAgentID, int64(len(j.Result))); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("storage fee charge failed")
	}

	if passed {
		return o.jobs.Complete(ctx, j.JobID, j.ClientAgentID)
	}
	return o.jobs.FailVerification(ctx, j.JobID, failureReason)
}

// run dispatches on the acceptance_criteria version and reports whether
// the deliverable passed, plus a human-readable reason when it did not.
func (o *Orchestrator) run(ctx context.Context, j *job.Job) (passed bool, failureReason string) {
	var envelope criteriaEnvelope
	if err := json.Unmarshal(j.AcceptanceCriteria, &envelope); err != nil {
		return false, fmt.Sprintf("acceptance criteria is not valid JSON: %v", err)
	}

	switch envelope.Version {
	case "1.0":
		return o.runDeclarative(ctx, j)
	case "2.0":
		return o.runScript(ctx, j)
	default:
		return false, fmt.Sprintf("unsupported acceptance criteria version %q", envelope.Version)
	}
}

func (o *Orchestrator) runDeclarative(ctx context.Context, j *job.Job) (bool, string) {
	suite, err := declarative.ParseSuite(j.AcceptanceCriteria)
	if err != nil {
		return false, fmt.Sprintf("acceptance criteria suite invalid: %v", err)
	}

	var startedAt time.Time
	if j.StartedAt != nil {
		startedAt = *j.StartedAt
	}
	var deliveredAt time.Time
	if j.DeliveredAt != nil {
		deliveredAt = *j.DeliveredAt
	}

	report, err := o.runner.Run(ctx, suite, j.Result, startedAt, deliveredAt)
	if err != nil {
		return false, fmt.Sprintf("test suite execution failed: %v", err)
	}
	if !report.Summary.ThresholdMet {
		return false, fmt.Sprintf("passed %d/%d tests, threshold not met", report.Summary.Passed, report.Summary.Total)
	}
	return true, ""
}

func (o *Orchestrator) runScript(ctx context.Context, j *job.Job) (bool, string) {
	var criteria scriptCriteria
	if err := json.Unmarshal(j.AcceptanceCriteria, &criteria); err != nil {
		return false, fmt.Sprintf("acceptance criteria script document invalid: %v", err)
	}

	result, err := o.sandbox.Run(ctx, sandbox.ScriptJob{
		Script:         criteria.Script,
		RuntimeLabel:   criteria.Runtime,
		Deliverable:    j.Result,
		TimeoutSeconds: criteria.TimeoutSeconds,
		MemoryLimitMB:  criteria.MemoryLimitMB,
	})
	if err != nil {
		return false, fmt.Sprintf("sandbox execution failed: %v", err)
	}
	if result.TimedOut {
		return false, "verification script timed out"
	}
	if result.ExitCode != 0 {
		return false, fmt.Sprintf("verification script exited %d: %s", result.ExitCode, result.Stderr)
	}
	return true, ""
}
