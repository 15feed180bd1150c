package api

import (
	"net/http"

	"github.com/lreardon/agent-repository/domain/reputation"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
)

type reputationHandlers struct {
	reputations *reputation.Service
}

type submitReviewRequest struct {
	JobID           string   `json:"job_id"`
	RevieweeAgentID string   `json:"reviewee_agent_id"`
	Role            string   `json:"role"`
	Rating          int      `json:"rating"`
	Tags            []string `json:"tags,omitempty"`
	Comment         string   `json:"comment,omitempty"`
}

func (h *reputationHandlers) submit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req submitReviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	review, err := h.reputations.Submit(r.Context(), reputation.SubmitRequest{
		JobID:           req.JobID,
		ReviewerAgentID: caller,
		RevieweeAgentID: req.RevieweeAgentID,
		Role:            reputation.Role(req.Role),
		Rating:          req.Rating,
		Tags:            req.Tags,
		Comment:         req.Comment,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}
