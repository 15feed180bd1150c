// Package reputation implements post-job reviews and the monotone
// running-average update to an agent's seller/client reputation.
package reputation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lreardon/agent-repository/domain/agent"
	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/validate"
)

// Role is the reviewer's perspective: which side of the job they played.
type Role string

const (
	// RoleClientOfSeller means the reviewer was the client, rating the seller.
	RoleClientOfSeller Role = "client_of_seller"
	// RoleSellerOfClient means the reviewer was the seller, rating the client.
	RoleSellerOfClient Role = "seller_of_client"
)

var validRoles = map[Role]bool{RoleClientOfSeller: true, RoleSellerOfClient: true}

// NewReviewThreshold mirrors domain/agent.NewReviewThreshold: fewer than
// this many reviews in a role and the reputation is reported as "new"
// rather than as a number.
const NewReviewThreshold = agent.NewReviewThreshold

// Review is one completed-job rating.
type Review struct {
	ReviewID        string
	JobID           string
	ReviewerAgentID string
	RevieweeAgentID string
	Role            Role
	Rating          int
	Tags            []string
	Comment         string
	CreatedAt       time.Time
}

// SubmitRequest is the caller-supplied portion of a new Review.
type SubmitRequest struct {
	JobID           string
	ReviewerAgentID string
	RevieweeAgentID string
	Role            Role
	Rating          int
	Tags            []string
	Comment         string
}

// Repository persists reviews and updates the reviewee's running
// reputation average, both inside one transaction.
type Repository interface {
	Record(ctx context.Context, r *Review) error
}

// Notifier delivers the review.created event notification to the
// reviewed agent. jobID is the reviewed job, matching the webhook
// envelope's job_id field across all event types.
type Notifier interface {
	NotifyReviewEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage)
}

// Service implements review submission.
type Service struct {
	repo     Repository
	notifier Notifier
}

// NewService constructs the reputation Service. notifier may be nil to
// disable webhook notification entirely (e.g. in tests).
func NewService(repo Repository, notifier Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

// Submit validates and records a review, updating the reviewee's
// reputation as a side effect of the same storage transaction.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Review, error) {
	if req.ReviewerAgentID == req.RevieweeAgentID {
		return nil, errors.InvalidInput("reviewee_agent_id", "must differ from reviewer_agent_id")
	}
	if !validRoles[req.Role] {
		return nil, errors.InvalidFormat("role", "one of client_of_seller, seller_of_client")
	}
	if err := validate.Range("rating", req.Rating, 1, 5); err != nil {
		return nil, err
	}
	if err := validate.FreeText("comment", req.Comment, validate.MaxCommentLen); err != nil {
		return nil, err
	}
	if err := validate.Tags("tags", req.Tags); err != nil {
		return nil, err
	}

	r := &Review{
		ReviewID:        uuid.NewString(),
		JobID:           req.JobID,
		ReviewerAgentID: req.ReviewerAgentID,
		RevieweeAgentID: req.RevieweeAgentID,
		Role:            req.Role,
		Rating:          req.Rating,
		Tags:            req.Tags,
		Comment:         req.Comment,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.repo.Record(ctx, r); err != nil {
		return nil, errors.Conflict("a review for this job by this reviewer already exists")
	}
	if s.notifier != nil {
		data, err := json.Marshal(struct {
			JobID           string `json:"job_id"`
			ReviewerAgentID string `json:"reviewer_agent_id"`
			Rating          int    `json:"rating"`
		}{r.JobID, r.ReviewerAgentID, r.Rating})
		if err == nil {
			s.notifier.NotifyReviewEvent(ctx, r.RevieweeAgentID, "review.created", r.JobID, data)
		}
	}
	return r, nil
}

// applyRunningAverage computes the monotone running average after one
// more rating: average_after = (average_before*count_before + rating) / count_after.
func applyRunningAverage(averageBefore float64, countBefore, rating int) (averageAfter float64, countAfter int) {
	countAfter = countBefore + 1
	averageAfter = (averageBefore*float64(countBefore) + float64(rating)) / float64(countAfter)
	return averageAfter, countAfter
}
