package middleware

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lreardon/agent-repository/infrastructure/crypto"
	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
)

// PrincipalLookup resolves an agent ID to the public key it must sign with
// and whether it is currently eligible to authenticate. It is satisfied by
// the agent service without this package importing the domain layer.
type PrincipalLookup interface {
	LookupForAuth(ctx context.Context, agentID string) (publicKeyHex string, active bool, err error)
}

const (
	nonceTTL        = 60 * time.Second
	timestampSkew   = 30 * time.Second
	authHeaderName  = "Authorization"
	timestampHeader = "X-Timestamp"
	nonceHeader     = "X-Nonce"
	authSchemePfx   = "AgentSig "
)

// AuthMiddleware verifies the per-request Ed25519 signature on every
// incoming call: parse the auth header, check timestamp freshness, reject
// replayed nonces, load the agent's public key, verify the signature over
// the canonical digest, and attach the authenticated agent ID to the
// request context.
type AuthMiddleware struct {
	lookup PrincipalLookup
	nonces kvstore.Store
	logger *logging.Logger
}

// NewAuthMiddleware constructs the signature-authentication middleware.
func NewAuthMiddleware(lookup PrincipalLookup, nonces kvstore.Store, logger *logging.Logger) *AuthMiddleware {
	return &AuthMiddleware{lookup: lookup, nonces: nonces, logger: logger}
}

// authFailed writes a single uniform 403 response for every authentication
// failure mode, so a caller cannot distinguish bad signature from missing
// agent from stale timestamp.
func authFailed(w http.ResponseWriter, r *http.Request) {
	httputil.WriteErrorResponse(w, r, http.StatusForbidden, "AUTH_1001", "authentication failed", nil)
}

// Handler returns the authentication middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID, sigHex, ok := parseAuthHeader(r.Header.Get(authHeaderName))
		if !ok {
			authFailed(w, r)
			return
		}

		timestamp := strings.TrimSpace(r.Header.Get(timestampHeader))
		if err := crypto.TimestampFresh(timestamp, time.Now().UTC(), timestampSkew); err != nil {
			authFailed(w, r)
			return
		}

		if nonce := strings.TrimSpace(r.Header.Get(nonceHeader)); nonce != "" {
			nonceKey := "nonce:" + agentID + ":" + nonce
			set, err := m.nonces.SetNX(r.Context(), nonceKey, "1", nonceTTL)
			if err != nil {
				m.logger.WithContext(r.Context()).WithError(err).Error("nonce store unavailable")
				authFailed(w, r)
				return
			}
			if !set {
				authFailed(w, r)
				return
			}
		}

		publicKeyHex, active, err := m.lookup.LookupForAuth(r.Context(), agentID)
		if err != nil || !active || publicKeyHex == "" {
			authFailed(w, r)
			return
		}

		pubKey, err := crypto.DecodePublicKey(publicKeyHex)
		if err != nil {
			authFailed(w, r)
			return
		}

		var body []byte
		if r.Body != nil {
			body, err = io.ReadAll(r.Body)
			if err != nil {
				authFailed(w, r)
				return
			}
			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}

		digest := crypto.CanonicalDigest(timestamp, r.Method, r.URL.Path, body)
		if !crypto.Verify(pubKey, digest, sigHex) {
			authFailed(w, r)
			return
		}

		ctx := httputil.WithAgentID(r.Context(), agentID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseAuthHeader parses "AgentSig <agent_id>:<signature_hex>".
func parseAuthHeader(header string) (agentID, sigHex string, ok bool) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, authSchemePfx) {
		return "", "", false
	}
	rest := strings.TrimPrefix(header, authSchemePfx)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	agentID = strings.TrimSpace(parts[0])
	sigHex = strings.TrimSpace(parts[1])
	if agentID == "" || sigHex == "" {
		return "", "", false
	}
	return agentID, sigHex, true
}
