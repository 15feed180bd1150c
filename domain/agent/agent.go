// Package agent implements identity registration, profile management,
// and the principal lookup that request authentication relies on.
package agent

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lreardon/agent-repository/infrastructure/errors"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/validate"
)

// Status is the lifecycle state of an agent identity.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusDeactivated Status = "deactivated"
)

// NewReviewThreshold reviews fewer than this display as "new" rather than
// a numeric reputation score.
const NewReviewThreshold = 20

// Agent is an identity and balance record.
type Agent struct {
	AgentID              string
	PublicKeyHex         string
	DisplayName          string
	Description          string
	EndpointURL          string
	Capabilities         []string
	WebhookSecret        string
	ReputationAsSeller   *float64
	ReputationAsClient   *float64
	ReviewsAsSellerCount int
	ReviewsAsClientCount int
	Balance              float64
	Status               Status
	AgentCard            json.RawMessage
	ExternalIdentityID   *string
	CreatedAt            time.Time
	LastSeenAt           time.Time
}

// SellerReputationDisplay returns the seller reputation as it should be
// shown to callers: "new" below the review-count confidence threshold,
// else the stored scalar.
func (a *Agent) SellerReputationDisplay() (value float64, isNew bool) {
	if a.ReviewsAsSellerCount < NewReviewThreshold || a.ReputationAsSeller == nil {
		return 0, true
	}
	return *a.ReputationAsSeller, false
}

// ClientReputationDisplay mirrors SellerReputationDisplay for the client role.
func (a *Agent) ClientReputationDisplay() (value float64, isNew bool) {
	if a.ReviewsAsClientCount < NewReviewThreshold || a.ReputationAsClient == nil {
		return 0, true
	}
	return *a.ReputationAsClient, false
}

// RegistrationRequest is the caller-supplied portion of a new Agent.
type RegistrationRequest struct {
	PublicKeyHex       string
	DisplayName        string
	Description        string
	EndpointURL        string
	Capabilities       []string
	ExternalIdentityID *string
}

// CardFetcher retrieves an agent card from the agent's own endpoint; the
// production implementation is an HTTPS client constrained to the same
// SSRF-safe host the registration validator already approved.
type CardFetcher interface {
	FetchCard(ctx context.Context, endpointURL string) (json.RawMessage, error)
}

// Repository persists and retrieves Agent records.
type Repository interface {
	Create(ctx context.Context, a *Agent) error
	GetByID(ctx context.Context, agentID string) (*Agent, error)
	GetByPublicKey(ctx context.Context, publicKeyHex string) (*Agent, error)
	UpdateProfile(ctx context.Context, agentID string, mutate func(a *Agent) error) error
	UpdateStatus(ctx context.Context, agentID string, status Status) error
	Touch(ctx context.Context, agentID string) error
}

// Service implements agent registration and profile operations.
type Service struct {
	repo     Repository
	cards    CardFetcher
	logger   *logging.Logger
	resolver func(host string) ([]net.IP, error)
}

// NewService constructs the agent Service. cards may be nil when
// agent-card fetching is disabled.
func NewService(repo Repository, cards CardFetcher, logger *logging.Logger) *Service {
	return &Service{repo: repo, cards: cards, logger: logger, resolver: net.LookupIP}
}

// WithResolver overrides the DNS resolver used by the SSRF guard — tests
// substitute a deterministic resolver instead of hitting live DNS.
func (s *Service) WithResolver(resolver func(host string) ([]net.IP, error)) *Service {
	s.resolver = resolver
	return s
}

// Register validates and creates a new agent identity.
func (s *Service) Register(ctx context.Context, req RegistrationRequest) (*Agent, error) {
	if err := validate.RequiredString("public_key", req.PublicKeyHex); err != nil {
		return nil, err
	}
	if err := validate.FreeText("display_name", req.DisplayName, validate.MaxDisplayNameLen); err != nil {
		return nil, err
	}
	if err := validate.RequiredString("display_name", req.DisplayName); err != nil {
		return nil, err
	}
	if err := validate.FreeText("description", req.Description, validate.MaxDescriptionLen); err != nil {
		return nil, err
	}
	if err := validate.URL("endpoint_url", req.EndpointURL, s.resolver); err != nil {
		return nil, err
	}
	if err := validate.Tags("capabilities", req.Capabilities); err != nil {
		return nil, err
	}

	switch _, err := s.repo.GetByPublicKey(ctx, req.PublicKeyHex); {
	case err == nil:
		return nil, errors.AlreadyExists("agent", "public_key")
	case err != sql.ErrNoRows:
		return nil, errors.DatabaseError("lookup agent by public key", err)
	}

	secret, err := generateWebhookSecret()
	if err != nil {
		return nil, errors.Internal("generate webhook secret", err)
	}

	now := time.Now().UTC()
	a := &Agent{
		AgentID:            uuid.NewString(),
		PublicKeyHex:       strings.ToLower(req.PublicKeyHex),
		DisplayName:        req.DisplayName,
		Description:        req.Description,
		EndpointURL:        req.EndpointURL,
		Capabilities:       req.Capabilities,
		WebhookSecret:      secret,
		Status:             StatusActive,
		ExternalIdentityID: req.ExternalIdentityID,
		CreatedAt:          now,
		LastSeenAt:         now,
	}

	if s.cards != nil {
		if card, err := s.cards.FetchCard(ctx, req.EndpointURL); err == nil {
			a.AgentCard = card
		} else {
			s.logger.WithContext(ctx).WithError(err).Warn("agent card fetch failed, continuing without it")
		}
	}

	if err := s.repo.Create(ctx, a); err != nil {
		return nil, errors.DatabaseError("create agent", err)
	}
	return a, nil
}

// GetProfile loads an agent by ID.
func (s *Service) GetProfile(ctx context.Context, agentID string) (*Agent, error) {
	a, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NotFound("agent", agentID)
		}
		return nil, errors.DatabaseError("get agent", err)
	}
	return a, nil
}

// UpdateProfile applies caller-supplied edits to display name, description,
// and endpoint URL (re-validated).
func (s *Service) UpdateProfile(ctx context.Context, agentID, displayName, description, endpointURL string) error {
	if endpointURL != "" {
		if err := validate.URL("endpoint_url", endpointURL, s.resolver); err != nil {
			return err
		}
	}
	if err := validate.FreeText("display_name", displayName, validate.MaxDisplayNameLen); err != nil {
		return err
	}
	if err := validate.FreeText("description", description, validate.MaxDescriptionLen); err != nil {
		return err
	}

	err := s.repo.UpdateProfile(ctx, agentID, func(a *Agent) error {
		if displayName != "" {
			a.DisplayName = displayName
		}
		if description != "" {
			a.Description = description
		}
		if endpointURL != "" {
			a.EndpointURL = endpointURL
		}
		return nil
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return errors.NotFound("agent", agentID)
		}
		return errors.DatabaseError("update agent profile", err)
	}
	return nil
}

// Deactivate transitions an agent to the deactivated status; it is the
// owner's own action, distinct from platform suspension.
func (s *Service) Deactivate(ctx context.Context, agentID string) error {
	if err := s.repo.UpdateStatus(ctx, agentID, StatusDeactivated); err != nil {
		return errors.DatabaseError("deactivate agent", err)
	}
	return nil
}

// LookupForAuth satisfies middleware.PrincipalLookup: resolves an agent ID
// to the public key it must sign with and whether it is currently active.
func (s *Service) LookupForAuth(ctx context.Context, agentID string) (publicKeyHex string, active bool, err error) {
	a, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return a.PublicKeyHex, a.Status == StatusActive, nil
}

// Touch updates last_seen_at; called opportunistically after authenticated
// requests.
func (s *Service) Touch(ctx context.Context, agentID string) {
	if err := s.repo.Touch(ctx, agentID); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("touch agent last_seen_at failed")
	}
}

// WebhookTarget satisfies webhook.TargetResolver: it resolves an agent
// ID to the endpoint its webhook deliveries POST to and the secret
// they're signed under.
func (s *Service) WebhookTarget(ctx context.Context, agentID string) (endpointURL, secret string, err error) {
	a, err := s.repo.GetByID(ctx, agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", errors.NotFound("agent", agentID)
		}
		return "", "", errors.DatabaseError("resolve webhook target", err)
	}
	return a.EndpointURL, a.WebhookSecret, nil
}

func generateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// httpCardFetcher is the production CardFetcher, constrained to HTTPS and
// a bounded timeout; the caller is responsible for SSRF-validating
// endpointURL before it ever reaches here.
type httpCardFetcher struct {
	client *http.Client
}

// NewHTTPCardFetcher constructs a CardFetcher using client, which callers
// should configure with the shared outbound-call rate shaping.
func NewHTTPCardFetcher(client *http.Client) CardFetcher {
	return &httpCardFetcher{client: client}
}

func (f *httpCardFetcher) FetchCard(ctx context.Context, endpointURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpointURL, "/")+"/.well-known/agent.json", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.DependencyError("agent-card fetch", errNonOKCardResponse)
	}
	var raw json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

var errNonOKCardResponse = stderrors.New("agent card endpoint returned a non-200 status")
