// Package api wires the marketplace domain services to HTTP handlers and
// assembles the gorilla/mux router the server listens on.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
)

// writeError bridges a *errors.ServiceError returned by a domain service
// to an HTTP response, mirroring how the recovery middleware reports a
// recovered panic.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	serviceErr := errors.GetServiceError(err)
	httputil.WriteErrorResponse(w, r, serviceErr.HTTPStatus, string(serviceErr.Code), serviceErr.Message, serviceErr.Details)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	httputil.WriteJSON(w, status, v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, r, errors.InvalidFormat("body", "valid JSON"))
		return false
	}
	return true
}

// callerAgentID reads the agent ID attached by the auth middleware.
func callerAgentID(r *http.Request) (string, bool) {
	return httputil.AgentIDFromContext(r.Context())
}

var errForbiddenSelfOnly = errors.Forbidden("agents may only act on their own resources")
