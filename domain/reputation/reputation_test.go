package reputation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepository struct {
	recorded []*Review
	fail     bool
}

func (f *fakeRepository) Record(ctx context.Context, r *Review) error {
	if f.fail {
		return assertErr
	}
	f.recorded = append(f.recorded, r)
	return nil
}

type sentinelErr struct{}

func (sentinelErr) Error() string { return "record failed" }

var assertErr = sentinelErr{}

func TestSubmit_RejectsSelfReview(t *testing.T) {
	svc := NewService(&fakeRepository{}, nil)
	_, err := svc.Submit(context.Background(), SubmitRequest{
		JobID: "job-1", ReviewerAgentID: "agent-1", RevieweeAgentID: "agent-1",
		Role: RoleClientOfSeller, Rating: 5,
	})
	assert.Error(t, err)
}

func TestSubmit_RejectsOutOfRangeRating(t *testing.T) {
	svc := NewService(&fakeRepository{}, nil)
	_, err := svc.Submit(context.Background(), SubmitRequest{
		JobID: "job-1", ReviewerAgentID: "client-1", RevieweeAgentID: "seller-1",
		Role: RoleClientOfSeller, Rating: 6,
	})
	assert.Error(t, err)
}

func TestSubmit_RecordsValidReview(t *testing.T) {
	repo := &fakeRepository{}
	svc := NewService(repo, nil)

	r, err := svc.Submit(context.Background(), SubmitRequest{
		JobID: "job-1", ReviewerAgentID: "client-1", RevieweeAgentID: "seller-1",
		Role: RoleClientOfSeller, Rating: 4, Comment: "solid work",
	})

	require.NoError(t, err)
	require.Len(t, repo.recorded, 1)
	assert.Equal(t, 4, r.Rating)
}

func TestApplyRunningAverage_MonotoneUpdate(t *testing.T) {
	avg, count := applyRunningAverage(4.0, 10, 5)
	assert.Equal(t, 11, count)
	assert.InDelta(t, (4.0*10+5)/11, avg, 0.0001)

	// First review ever: average_before is meaningless at count 0.
	avg, count = applyRunningAverage(0, 0, 5)
	assert.Equal(t, 1, count)
	assert.Equal(t, 5.0, avg)
}

func TestReputationColumns_SelectsByRole(t *testing.T) {
	avgCol, countCol := reputationColumns(RoleClientOfSeller)
	assert.Equal(t, "reputation_as_seller", avgCol)
	assert.Equal(t, "reviews_as_seller_count", countCol)

	avgCol, countCol = reputationColumns(RoleSellerOfClient)
	assert.Equal(t, "reputation_as_client", avgCol)
	assert.Equal(t, "reviews_as_client_count", countCol)
}

type fakeReviewNotifier struct {
	targetAgentID string
	eventType     string
}

func (f *fakeReviewNotifier) NotifyReviewEvent(ctx context.Context, targetAgentID, eventType, jobID string, data json.RawMessage) {
	f.targetAgentID = targetAgentID
	f.eventType = eventType
}

func TestSubmit_NotifiesReviewee(t *testing.T) {
	repo := &fakeRepository{}
	notifier := &fakeReviewNotifier{}
	svc := NewService(repo, notifier)

	_, err := svc.Submit(context.Background(), SubmitRequest{
		JobID: "job-1", ReviewerAgentID: "client-1", RevieweeAgentID: "seller-1",
		Role: RoleClientOfSeller, Rating: 5,
	})

	require.NoError(t, err)
	assert.Equal(t, "seller-1", notifier.targetAgentID)
	assert.Equal(t, "review.created", notifier.eventType)
}
