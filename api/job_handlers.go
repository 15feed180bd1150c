package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/verification"
)

// verifyEvaluationTimeout bounds a detached verification evaluation; it
// is decoupled from the request's own timeout since sandboxed scripts
// may run for up to sandbox.MaxTimeoutSeconds.
const verifyEvaluationTimeout = 6 * time.Minute

type jobHandlers struct {
	jobs         *job.Service
	orchestrator *verification.Orchestrator
	logger       *logging.Logger
}

type proposeJobRequest struct {
	SellerAgentID      string          `json:"seller_agent_id"`
	ListingID          *string         `json:"listing_id,omitempty"`
	AcceptanceCriteria json.RawMessage `json:"acceptance_criteria"`
	Requirements       string          `json:"requirements"`
	ProposedPrice      float64         `json:"proposed_price"`
	DeliveryDeadline   *time.Time      `json:"delivery_deadline,omitempty"`
	MaxRounds          int             `json:"max_rounds"`
}

func (h *jobHandlers) propose(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req proposeJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.Propose(r.Context(), job.ProposeRequest{
		ClientAgentID:      caller,
		SellerAgentID:      req.SellerAgentID,
		ListingID:          req.ListingID,
		AcceptanceCriteria: req.AcceptanceCriteria,
		Requirements:       req.Requirements,
		ProposedPrice:      req.ProposedPrice,
		DeliveryDeadline:   req.DeliveryDeadline,
		MaxRounds:          req.MaxRounds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobView(j, caller))
}

func (h *jobHandlers) get(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerAgentID(r)
	j, err := h.jobs.Get(r.Context(), httputil.PathParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

type counterJobRequest struct {
	ProposedPrice float64         `json:"proposed_price"`
	CounterTerms  json.RawMessage `json:"counter_terms,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func (h *jobHandlers) counter(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req counterJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.Counter(r.Context(), job.CounterRequest{
		JobID:         httputil.PathParam(r, "id"),
		ActorAgentID:  caller,
		ProposedPrice: req.ProposedPrice,
		CounterTerms:  req.CounterTerms,
		Message:       req.Message,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

type acceptJobRequest struct {
	PresentedCriteriaHash *string `json:"presented_criteria_hash,omitempty"`
}

func (h *jobHandlers) accept(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req acceptJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.Accept(r.Context(), job.AcceptRequest{
		JobID:                 httputil.PathParam(r, "id"),
		ActorAgentID:          caller,
		PresentedCriteriaHash: req.PresentedCriteriaHash,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

func (h *jobHandlers) fund(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Fund)
}

func (h *jobHandlers) start(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Start)
}

type deliverJobRequest struct {
	Result json.RawMessage `json:"result"`
}

func (h *jobHandlers) deliver(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req deliverJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.Deliver(r.Context(), httputil.PathParam(r, "id"), caller, req.Result)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

// verify transitions a delivered job into verification and launches
// evaluation in the background: sandboxed scripts can run far longer
// than any reasonable request timeout, so the caller gets the
// verifying-status job back immediately rather than blocking on it.
func (h *jobHandlers) verify(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	jobID := httputil.PathParam(r, "id")
	j, err := h.jobs.Verify(r.Context(), jobID, caller)
	if err != nil {
		writeError(w, r, err)
		return
	}

	go h.evaluateInBackground(jobID)

	writeJSON(w, http.StatusAccepted, jobView(j, caller))
}

func (h *jobHandlers) evaluateInBackground(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), verifyEvaluationTimeout)
	defer cancel()

	j, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("verification evaluation: load job failed")
		return
	}
	if _, err := h.orchestrator.Evaluate(ctx, j); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("verification evaluation failed")
	}
}

func (h *jobHandlers) complete(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Complete)
}

type failJobRequest struct {
	Reason string `json:"reason"`
}

func (h *jobHandlers) fail(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req failJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := h.jobs.Fail(r.Context(), httputil.PathParam(r, "id"), caller, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

func (h *jobHandlers) dispute(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Dispute)
}

func (h *jobHandlers) resolve(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Resolve)
}

func (h *jobHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.simpleActorTransition(w, r, h.jobs.Cancel)
}

// simpleActorTransition covers every job-lifecycle verb that takes only
// (jobID, actorAgentID) and returns the updated job.
func (h *jobHandlers) simpleActorTransition(w http.ResponseWriter, r *http.Request, transition func(ctx context.Context, jobID, actorAgentID string) (*job.Job, error)) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	j, err := transition(r.Context(), httputil.PathParam(r, "id"), caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobView(j, caller))
}

// jobView projects a job for a caller, redacting the deliverable unless
// the caller is a party and the job has completed.
func jobView(j *job.Job, caller string) map[string]interface{} {
	return map[string]interface{}{
		"job_id":                   j.JobID,
		"client_agent_id":          j.ClientAgentID,
		"seller_agent_id":          j.SellerAgentID,
		"listing_id":               j.ListingID,
		"status":                   j.Status,
		"acceptance_criteria_hash": j.AcceptanceCriteriaHash,
		"requirements":             j.Requirements,
		"initial_proposed_price":   j.InitialProposedPrice,
		"agreed_price":             j.AgreedPrice,
		"delivery_deadline":        j.DeliveryDeadline,
		"negotiation_log":          j.NegotiationLog,
		"max_rounds":               j.MaxRounds,
		"current_round":            j.CurrentRound,
		"result":                   j.RedactedResult(caller),
		"started_at":               j.StartedAt,
		"delivered_at":             j.DeliveredAt,
		"created_at":               j.CreatedAt,
		"updated_at":               j.UpdatedAt,
	}
}
