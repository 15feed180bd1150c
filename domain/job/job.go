// Package job implements the marketplace job lifecycle: negotiation,
// acceptance-criteria locking, and the gated state machine that carries a
// job from proposal through to completion, failure, or dispute.
package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/lreardon/agent-repository/domain/ledger"
	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/validate"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusProposed    Status = "proposed"
	StatusNegotiating Status = "negotiating"
	StatusAgreed      Status = "agreed"
	StatusFunded      Status = "funded"
	StatusInProgress  Status = "in-progress"
	StatusDelivered   Status = "delivered"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDisputed    Status = "disputed"
	StatusResolved    Status = "resolved"
	StatusCancelled   Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true, StatusFailed: true, StatusDisputed: true,
	StatusResolved: true, StatusCancelled: true,
}

const (
	// DefaultMaxRounds is used when a proposal doesn't specify one.
	DefaultMaxRounds = 5
)

// NegotiationRound is one append-only entry in a job's negotiation log.
type NegotiationRound struct {
	Round         int             `json:"round"`
	Proposer      string          `json:"proposer"`
	ProposedPrice float64         `json:"proposed_price"`
	CounterTerms  json.RawMessage `json:"counter_terms,omitempty"`
	AcceptedTerms bool            `json:"accepted_terms"`
	Message       string          `json:"message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Job is one marketplace engagement between a client and a seller agent.
type Job struct {
	JobID                  string
	ClientAgentID          string
	SellerAgentID          string
	ListingID              *string
	Status                 Status
	AcceptanceCriteria     json.RawMessage
	AcceptanceCriteriaHash string
	Requirements           string
	InitialProposedPrice   float64
	AgreedPrice            *float64
	DeliveryDeadline       *time.Time
	NegotiationLog         []NegotiationRound
	MaxRounds              int
	CurrentRound           int
	Result                 json.RawMessage
	A2ATaskID              *string
	A2AContextID           *string
	StartedAt              *time.Time
	DeliveredAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RedactedResult returns Result only when callerAgentID is a party to the
// job and the job is completed, and nil otherwise — unpaid extraction of a deliverable is
// never possible through this accessor.
func (j *Job) RedactedResult(callerAgentID string) json.RawMessage {
	if j.Status != StatusCompleted {
		return nil
	}
	if callerAgentID != j.ClientAgentID && callerAgentID != j.SellerAgentID {
		return nil
	}
	return j.Result
}

func (j *Job) isParty(agentID string) bool {
	return agentID == j.ClientAgentID || agentID == j.SellerAgentID
}

// lastProposer returns the agent whose offer is currently on the table:
// the client's original proposal until the first counter, then whoever
// sent the most recent round.
func (j *Job) lastProposer() string {
	if len(j.NegotiationLog) == 0 {
		return j.ClientAgentID
	}
	return j.NegotiationLog[len(j.NegotiationLog)-1].Proposer
}

// Repository persists jobs and their negotiation/lifecycle history.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)
	// Mutate locks the job row, runs fn against the loaded state, persists
	// the result, and — if fn changed the status — appends a job_events
	// row recording the transition. fn's returned error aborts the whole
	// transaction; partial state never reaches the table.
	Mutate(ctx context.Context, jobID string, actorAgentID string, fn func(j *Job) error) (*Job, error)
	// ListWithDeadlines returns every funded, in-progress or delivered job
	// carrying a delivery deadline, for the deadline queue's startup
	// recovery scan.
	ListWithDeadlines(ctx context.Context) ([]*Job, error)
}

// EscrowEngine is the narrow slice of domain/ledger.Engine job-driven
// transitions depend on.
type EscrowEngine interface {
	Fund(ctx context.Context, in ledger.FundInput) (*ledger.EscrowAccount, error)
	Release(ctx context.Context, jobID string) error
	Refund(ctx context.Context, jobID string, cause ledger.RefundCause) error
}

// Notifier delivers the webhook event notification for a job-lifecycle
// transition. It is called with the counterparty's agent ID after the
// transition has already committed, so a notifier failure never unwinds
// a state change; implementations log and continue rather than propagate.
type Notifier interface {
	NotifyJobEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage)
}

// Service implements the job lifecycle.
type Service struct {
	repo     Repository
	escrow   EscrowEngine
	logger   *logging.Logger
	notifier Notifier
}

// NewService constructs the job Service. notifier may be nil to disable
// webhook notification entirely (e.g. in tests).
func NewService(repo Repository, escrow EscrowEngine, logger *logging.Logger, notifier Notifier) *Service {
	return &Service{repo: repo, escrow: escrow, logger: logger, notifier: notifier}
}

// notify fires a best-effort event notification for j's current state
// to the given target agent. j.Result is never attached to the event
// data; RedactedResult's gating does not apply to system notifications,
// so only a small summary is sent.
func (s *Service) notify(ctx context.Context, j *Job, targetAgentID, eventType string) {
	if s.notifier == nil || targetAgentID == "" {
		return
	}
	data, err := json.Marshal(struct {
		Status        string   `json:"status"`
		ClientAgentID string   `json:"client_agent_id"`
		SellerAgentID string   `json:"seller_agent_id"`
		AgreedPrice   *float64 `json:"agreed_price,omitempty"`
	}{string(j.Status), j.ClientAgentID, j.SellerAgentID, j.AgreedPrice})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", j.JobID).Warn("marshal job event notification failed")
		return
	}
	s.notifier.NotifyJobEvent(ctx, targetAgentID, eventType, j.JobID, data)
}

// counterpartyOf returns the other party to j relative to agentID, for
// routing a notification to whoever didn't drive the transition.
func (j *Job) counterpartyOf(agentID string) string {
	if agentID == j.ClientAgentID {
		return j.SellerAgentID
	}
	return j.ClientAgentID
}

// ProposeRequest is the caller-supplied portion of a new job.
type ProposeRequest struct {
	ClientAgentID      string
	SellerAgentID      string
	ListingID          *string
	AcceptanceCriteria json.RawMessage
	Requirements       string
	ProposedPrice      float64
	DeliveryDeadline   *time.Time
	MaxRounds          int
}

// Propose creates a new job in the proposed state and locks its
// acceptance criteria by hash.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*Job, error) {
	if req.ClientAgentID == req.SellerAgentID {
		return nil, errors.InvalidInput("seller_agent_id", "must differ from client_agent_id")
	}
	if err := validate.RequiredString("requirements", req.Requirements); err != nil {
		return nil, err
	}
	if req.ProposedPrice <= 0 || req.ProposedPrice > validate.MaxDecimalBound {
		return nil, errors.OutOfRange("proposed_price", 0, validate.MaxDecimalBound)
	}
	maxRounds := req.MaxRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}
	if err := validate.MaxRounds(maxRounds); err != nil {
		return nil, err
	}
	if len(req.AcceptanceCriteria) == 0 || !json.Valid(req.AcceptanceCriteria) {
		return nil, errors.SchemaInvalid("acceptance_criteria must be a well-formed JSON document")
	}

	hash, err := canonicalHash(req.AcceptanceCriteria)
	if err != nil {
		return nil, errors.SchemaInvalid("acceptance_criteria could not be canonicalized")
	}

	now := time.Now().UTC()
	j := &Job{
		JobID:                  uuid.NewString(),
		ClientAgentID:          req.ClientAgentID,
		SellerAgentID:          req.SellerAgentID,
		ListingID:              req.ListingID,
		Status:                 StatusProposed,
		AcceptanceCriteria:     req.AcceptanceCriteria,
		AcceptanceCriteriaHash: hash,
		Requirements:           req.Requirements,
		InitialProposedPrice:   req.ProposedPrice,
		DeliveryDeadline:       req.DeliveryDeadline,
		MaxRounds:              maxRounds,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, errors.DatabaseError("create job", err)
	}
	s.notify(ctx, j, j.SellerAgentID, "job.proposed")
	return j, nil
}

// Get loads a job by ID. Result is returned as stored; RedactedResult
// hides it from non-parties.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("job", jobID)
		}
		return nil, errors.DatabaseError("get job", err)
	}
	return j, nil
}

// CounterRequest is one negotiation round proposed by whichever party
// did not send the previous round.
type CounterRequest struct {
	JobID         string
	ActorAgentID  string
	ProposedPrice float64
	CounterTerms  json.RawMessage
	Message       string
}

// Counter appends a negotiation round. Exceeding max_rounds without
// agreement auto-cancels the job; the returned error in that case wraps
// RoundsExceeded but the returned job still reflects the (persisted)
// cancellation.
func (s *Service) Counter(ctx context.Context, req CounterRequest) (*Job, error) {
	var roundsExceeded bool

	updated, err := s.repo.Mutate(ctx, req.JobID, req.ActorAgentID, func(j *Job) error {
		if j.Status != StatusProposed && j.Status != StatusNegotiating {
			return errors.InvalidTransition(string(j.Status), string(StatusNegotiating))
		}
		if !j.isParty(req.ActorAgentID) {
			return errors.WrongParty("counter")
		}
		if req.ActorAgentID == j.lastProposer() {
			return errors.WrongParty("counter")
		}

		if j.CurrentRound+1 > j.MaxRounds {
			j.Status = StatusCancelled
			roundsExceeded = true
			return nil
		}

		j.CurrentRound++
		j.NegotiationLog = append(j.NegotiationLog, NegotiationRound{
			Round:         j.CurrentRound,
			Proposer:      req.ActorAgentID,
			ProposedPrice: req.ProposedPrice,
			CounterTerms:  req.CounterTerms,
			Message:       req.Message,
			Timestamp:     time.Now().UTC(),
		})
		j.Status = StatusNegotiating
		return nil
	})
	if err != nil {
		return nil, err
	}
	if roundsExceeded {
		s.notify(ctx, updated, updated.counterpartyOf(req.ActorAgentID), "job.cancelled")
		return updated, errors.RoundsExceeded(updated.MaxRounds)
	}
	s.notify(ctx, updated, updated.counterpartyOf(req.ActorAgentID), "job.negotiating")
	return updated, nil
}

// AcceptRequest is an acceptance of the counterparty's current offer. The
// seller must present the exact acceptance_criteria_hash to attest they
// accept the locked criteria, not a since-modified version.
type AcceptRequest struct {
	JobID                 string
	ActorAgentID          string
	PresentedCriteriaHash *string
}

// Accept locks in the counterparty's current offer and moves the job to
// agreed.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, req.JobID, req.ActorAgentID, func(j *Job) error {
		if j.Status != StatusProposed && j.Status != StatusNegotiating {
			return errors.InvalidTransition(string(j.Status), string(StatusAgreed))
		}
		if !j.isParty(req.ActorAgentID) {
			return errors.WrongParty("accept")
		}
		if req.ActorAgentID == j.lastProposer() {
			return errors.WrongParty("accept")
		}
		if req.ActorAgentID == j.SellerAgentID {
			if req.PresentedCriteriaHash == nil || *req.PresentedCriteriaHash != j.AcceptanceCriteriaHash {
				return errors.CriteriaHashStale()
			}
		}

		price := j.InitialProposedPrice
		if len(j.NegotiationLog) > 0 {
			last := &j.NegotiationLog[len(j.NegotiationLog)-1]
			last.AcceptedTerms = true
			price = last.ProposedPrice
		}
		j.AgreedPrice = &price
		j.Status = StatusAgreed
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.counterpartyOf(req.ActorAgentID), "job.agreed")
	return updated, nil
}

// Fund verifies the client is the caller and the job is agreed, then
// delegates the balance lock and escrow open to domain/ledger.
func (s *Service) Fund(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if actorAgentID != j.ClientAgentID {
		return nil, errors.WrongParty("fund")
	}
	if j.Status != StatusAgreed {
		return nil, errors.InvalidTransition(string(j.Status), string(StatusFunded))
	}
	if j.AgreedPrice == nil {
		return nil, errors.Internal("agreed job missing agreed_price", nil)
	}

	if _, err := s.escrow.Fund(ctx, ledger.FundInput{
		JobID:            j.JobID,
		ClientAgentID:    j.ClientAgentID,
		SellerAgentID:    j.SellerAgentID,
		AgreedPrice:      *j.AgreedPrice,
		DeliveryDeadline: j.DeliveryDeadline,
	}); err != nil {
		return nil, err
	}
	funded, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, funded, funded.SellerAgentID, "job.funded")
	return funded, nil
}

// Start transitions a funded job into in-progress; only the seller may
// drive this transition.
func (s *Service) Start(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if actorAgentID != j.SellerAgentID {
			return errors.WrongParty("start")
		}
		if j.Status != StatusFunded {
			return errors.InvalidTransition(string(j.Status), string(StatusInProgress))
		}
		now := time.Now().UTC()
		j.StartedAt = &now
		j.Status = StatusInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.ClientAgentID, "job.started")
	return updated, nil
}

// Deliver records the seller's deliverable and moves the job to
// delivered, pending verification.
func (s *Service) Deliver(ctx context.Context, jobID, actorAgentID string, result json.RawMessage) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if actorAgentID != j.SellerAgentID {
			return errors.WrongParty("deliver")
		}
		if j.Status != StatusInProgress {
			return errors.InvalidTransition(string(j.Status), string(StatusDelivered))
		}
		now := time.Now().UTC()
		j.DeliveredAt = &now
		j.Result = result
		j.Status = StatusDelivered
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.ClientAgentID, "job.delivered")
	return updated, nil
}

// Verify moves a delivered job into verification; only the client may
// trigger it. The verification orchestrator then evaluates the
// deliverable against acceptance_criteria (via the declarative test
// runner or the sandbox) and calls Complete or FailVerification.
func (s *Service) Verify(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	return s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if actorAgentID != j.ClientAgentID {
			return errors.WrongParty("verify")
		}
		if j.Status != StatusDelivered {
			return errors.InvalidTransition(string(j.Status), string(StatusVerifying))
		}
		j.Status = StatusVerifying
		return nil
	})
}

// Complete releases escrow to the seller and marks the job completed.
// Idempotent: calling it again once already completed is a no-op.
func (s *Service) Complete(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCompleted {
		return j, nil
	}
	if actorAgentID != j.ClientAgentID {
		return nil, errors.WrongParty("complete")
	}
	if j.Status != StatusVerifying {
		return nil, errors.InvalidTransition(string(j.Status), string(StatusCompleted))
	}
	if err := s.escrow.Release(ctx, jobID); err != nil {
		return nil, err
	}
	completed, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, completed, completed.SellerAgentID, "job.completed")
	return completed, nil
}

// Fail marks a job failed and refunds escrow. Either party may call it
// while the job is in-progress or delivered.
func (s *Service) Fail(ctx context.Context, jobID, actorAgentID, reason string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.isParty(actorAgentID) {
		return nil, errors.WrongParty("fail")
	}
	if j.Status != StatusInProgress && j.Status != StatusDelivered {
		return nil, errors.InvalidTransition(string(j.Status), string(StatusFailed))
	}
	return s.transitionToFailed(ctx, j, reason)
}

// FailVerification is the system-triggered counterpart to Fail, invoked
// by the verification orchestrator when a verifying job fails
// verification. It carries no actor gating since no party drives it.
func (s *Service) FailVerification(ctx context.Context, jobID, reason string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusVerifying {
		return nil, errors.InvalidTransition(string(j.Status), string(StatusFailed))
	}
	return s.transitionToFailed(ctx, j, reason)
}

func (s *Service) transitionToFailed(ctx context.Context, j *Job, reason string) (*Job, error) {
	if _, err := s.repo.Mutate(ctx, j.JobID, "", func(j *Job) error {
		switch j.Status {
		case StatusInProgress, StatusDelivered, StatusVerifying:
		default:
			return errors.InvalidTransition(string(j.Status), string(StatusFailed))
		}
		j.Status = StatusFailed
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.escrow.Refund(ctx, j.JobID, ledger.RefundFailed); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", j.JobID).Error("refund after failure did not complete")
		return nil, err
	}
	s.logger.WithContext(ctx).WithField("job_id", j.JobID).WithField("reason", reason).Info("job failed")
	failed, err := s.Get(ctx, j.JobID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, failed, failed.ClientAgentID, "job.failed")
	s.notify(ctx, failed, failed.SellerAgentID, "job.failed")
	return failed, nil
}

// WarnDeadline is invoked by the warning-schedule consumer ahead of a
// job's actual delivery deadline. It never changes job state; it only
// notifies both parties, and is a no-op once the job has left the
// window a deadline still applies to.
func (s *Service) WarnDeadline(ctx context.Context, jobID string) (string, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	switch j.Status {
	case StatusFunded, StatusInProgress, StatusDelivered:
	default:
		return "skipped", nil
	}
	s.notify(ctx, j, j.ClientAgentID, "deadline_warning")
	s.notify(ctx, j, j.SellerAgentID, "deadline_warning")
	return "warned", nil
}

// ExpireDeadline is invoked by the deadline queue consumer when a job's
// delivery deadline elapses before the seller completes it. It is valid
// from funded (the seller never started), in-progress (never
// delivered), or delivered (the client never verified) — a job that has
// already reached verifying or a terminal state is left untouched, since
// its deadline firing raced a normal transition and lost.
func (s *Service) ExpireDeadline(ctx context.Context, jobID string) (*Job, error) {
	j, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case StatusFunded, StatusInProgress, StatusDelivered:
	default:
		return j, nil
	}
	if _, err := s.repo.Mutate(ctx, jobID, "", func(j *Job) error {
		switch j.Status {
		case StatusFunded, StatusInProgress, StatusDelivered:
		default:
			return errors.InvalidTransition(string(j.Status), string(StatusFailed))
		}
		j.Status = StatusFailed
		return nil
	}); err != nil {
		var svcErr *errors.ServiceError
		if stderrors.As(err, &svcErr) && svcErr.Code == errors.ErrCodeInvalidTransition {
			return s.Get(ctx, jobID)
		}
		return nil, err
	}
	if err := s.escrow.Refund(ctx, jobID, ledger.RefundDeadline); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Error("refund after deadline expiry did not complete")
		return nil, err
	}
	s.logger.WithContext(ctx).WithField("job_id", jobID).Info("job failed: delivery deadline elapsed")
	expired, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, expired, expired.ClientAgentID, "job.failed")
	s.notify(ctx, expired, expired.SellerAgentID, "job.failed")
	return expired, nil
}

// Dispute escalates a failed job. Either party may call it.
func (s *Service) Dispute(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if !j.isParty(actorAgentID) {
			return errors.WrongParty("dispute")
		}
		if j.Status != StatusFailed {
			return errors.InvalidTransition(string(j.Status), string(StatusDisputed))
		}
		j.Status = StatusDisputed
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.counterpartyOf(actorAgentID), "job.disputed")
	return updated, nil
}

// Resolve closes out a disputed job. Dispute-resolution decisioning
// itself is out of scope; this records only the terminal transition and
// preserves the audit trail. Any escrow payout implied by the resolution
// is applied by the caller via domain/ledger directly.
func (s *Service) Resolve(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if j.Status != StatusDisputed {
			return errors.InvalidTransition(string(j.Status), string(StatusResolved))
		}
		j.Status = StatusResolved
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.ClientAgentID, "job.resolved")
	s.notify(ctx, updated, updated.SellerAgentID, "job.resolved")
	return updated, nil
}

// Cancel withdraws a job before funds are ever escrowed. Valid from
// proposed, negotiating, or agreed.
func (s *Service) Cancel(ctx context.Context, jobID, actorAgentID string) (*Job, error) {
	updated, err := s.repo.Mutate(ctx, jobID, actorAgentID, func(j *Job) error {
		if !j.isParty(actorAgentID) {
			return errors.WrongParty("cancel")
		}
		switch j.Status {
		case StatusProposed, StatusNegotiating, StatusAgreed:
		default:
			return errors.InvalidTransition(string(j.Status), string(StatusCancelled))
		}
		j.Status = StatusCancelled
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, updated, updated.counterpartyOf(actorAgentID), "job.cancelled")
	return updated, nil
}

// IsTerminal reports whether status has no outgoing transitions.
func IsTerminal(status Status) bool {
	return terminalStatuses[status]
}
