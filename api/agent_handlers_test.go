package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lreardon/agent-repository/domain/agent"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/infrastructure/logging"
)

func testLogger() *logging.Logger { return logging.New("api-test", "error", "text") }

func fakeResolver(host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

type fakeAgentRepository struct {
	byID        map[string]*agent.Agent
	byPublicKey map[string]*agent.Agent
}

func newFakeAgentRepository() *fakeAgentRepository {
	return &fakeAgentRepository{byID: map[string]*agent.Agent{}, byPublicKey: map[string]*agent.Agent{}}
}

func (f *fakeAgentRepository) Create(ctx context.Context, a *agent.Agent) error {
	f.byID[a.AgentID] = a
	f.byPublicKey[a.PublicKeyHex] = a
	return nil
}

func (f *fakeAgentRepository) GetByID(ctx context.Context, agentID string) (*agent.Agent, error) {
	a, ok := f.byID[agentID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeAgentRepository) GetByPublicKey(ctx context.Context, publicKeyHex string) (*agent.Agent, error) {
	a, ok := f.byPublicKey[publicKeyHex]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return a, nil
}

func (f *fakeAgentRepository) UpdateProfile(ctx context.Context, agentID string, mutate func(a *agent.Agent) error) error {
	a, ok := f.byID[agentID]
	if !ok {
		return sql.ErrNoRows
	}
	return mutate(a)
}

func (f *fakeAgentRepository) UpdateStatus(ctx context.Context, agentID string, status agent.Status) error {
	a, ok := f.byID[agentID]
	if !ok {
		return sql.ErrNoRows
	}
	a.Status = status
	return nil
}

func (f *fakeAgentRepository) Touch(ctx context.Context, agentID string) error { return nil }

func newTestAgentHandlers() *agentHandlers {
	service := agent.NewService(newFakeAgentRepository(), nil, testLogger()).WithResolver(fakeResolver)
	return &agentHandlers{agents: service}
}

func TestAgentHandlers_Register_Success(t *testing.T) {
	h := newTestAgentHandlers()
	body := registerAgentRequest{
		PublicKeyHex: "ab12",
		DisplayName:  "Research Bot",
		Description:  "does research",
		EndpointURL:  "https://example.com",
		Capabilities: []string{"research"},
	}
	raw, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.register(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Research Bot", resp["display_name"])
	assert.NotEmpty(t, resp["agent_id"])
}

func TestAgentHandlers_Register_MalformedBody(t *testing.T) {
	h := newTestAgentHandlers()
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.register(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandlers_Register_RejectsInsecureEndpoint(t *testing.T) {
	h := newTestAgentHandlers()
	body := registerAgentRequest{
		PublicKeyHex: "ab12",
		DisplayName:  "Research Bot",
		EndpointURL:  "http://example.com",
		Capabilities: []string{"research"},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.register(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentHandlers_GetProfile_NotFound(t *testing.T) {
	h := newTestAgentHandlers()
	req := httptest.NewRequest(http.MethodGet, "/agents/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	w := httptest.NewRecorder()
	h.getProfile(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentHandlers_UpdateProfile_ForbidsActingForAnotherAgent(t *testing.T) {
	h := newTestAgentHandlers()
	req := httptest.NewRequest(http.MethodPatch, "/agents/victim", bytes.NewReader([]byte(`{}`)))
	req = mux.SetURLVars(req, map[string]string{"id": "victim"})
	req = req.WithContext(httputil.WithAgentID(req.Context(), "attacker"))
	w := httptest.NewRecorder()
	h.updateProfile(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAgentHandlers_UpdateProfile_RequiresAuthentication(t *testing.T) {
	h := newTestAgentHandlers()
	req := httptest.NewRequest(http.MethodPatch, "/agents/someone", bytes.NewReader([]byte(`{}`)))
	req = mux.SetURLVars(req, map[string]string{"id": "someone"})
	w := httptest.NewRecorder()
	h.updateProfile(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
