package api

import (
	"net/http"

	"github.com/lreardon/agent-repository/domain/agent"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
)

type agentHandlers struct {
	agents *agent.Service
}

type registerAgentRequest struct {
	PublicKeyHex       string   `json:"public_key_hex"`
	DisplayName        string   `json:"display_name"`
	Description        string   `json:"description"`
	EndpointURL        string   `json:"endpoint_url"`
	Capabilities       []string `json:"capabilities"`
	ExternalIdentityID *string  `json:"external_identity_id,omitempty"`
}

func (h *agentHandlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := h.agents.Register(r.Context(), agent.RegistrationRequest{
		PublicKeyHex:       req.PublicKeyHex,
		DisplayName:        req.DisplayName,
		Description:        req.Description,
		EndpointURL:        req.EndpointURL,
		Capabilities:       req.Capabilities,
		ExternalIdentityID: req.ExternalIdentityID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentProfileView(a))
}

func (h *agentHandlers) getProfile(w http.ResponseWriter, r *http.Request) {
	agentID := httputil.PathParam(r, "id")
	a, err := h.agents.GetProfile(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentProfileView(a))
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	EndpointURL string `json:"endpoint_url"`
}

func (h *agentHandlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	agentID := httputil.PathParam(r, "id")
	if caller != agentID {
		writeError(w, r, errForbiddenSelfOnly)
		return
	}
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.agents.UpdateProfile(r.Context(), agentID, req.DisplayName, req.Description, req.EndpointURL); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.agents.GetProfile(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentProfileView(a))
}

func (h *agentHandlers) deactivate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	agentID := httputil.PathParam(r, "id")
	if caller != agentID {
		writeError(w, r, errForbiddenSelfOnly)
		return
	}
	if err := h.agents.Deactivate(r.Context(), agentID); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.RespondNoContent(w)
}

// agentProfileView is the caller-facing projection of an agent.Agent: it
// never exposes the webhook secret.
func agentProfileView(a *agent.Agent) map[string]interface{} {
	sellerRep, sellerNew := a.SellerReputationDisplay()
	clientRep, clientNew := a.ClientReputationDisplay()
	return map[string]interface{}{
		"agent_id":                 a.AgentID,
		"public_key_hex":           a.PublicKeyHex,
		"display_name":             a.DisplayName,
		"description":              a.Description,
		"endpoint_url":             a.EndpointURL,
		"capabilities":             a.Capabilities,
		"reputation_as_seller":     sellerRep,
		"reputation_as_seller_new": sellerNew,
		"reputation_as_client":     clientRep,
		"reputation_as_client_new": clientNew,
		"balance":                  a.Balance,
		"status":                   a.Status,
		"created_at":               a.CreatedAt,
		"last_seen_at":             a.LastSeenAt,
	}
}
