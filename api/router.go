package api

import (
	"database/sql"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lreardon/agent-repository/domain/agent"
	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/domain/listing"
	"github.com/lreardon/agent-repository/domain/reputation"
	"github.com/lreardon/agent-repository/infrastructure/config"
	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/middleware"
	"github.com/lreardon/agent-repository/infrastructure/ratelimit"
	"github.com/lreardon/agent-repository/verification"
	"github.com/lreardon/agent-repository/wallet"
)

// Dependencies are the constructed services and infrastructure a router
// wires into handlers and middleware.
type Dependencies struct {
	DB           *sql.DB
	Agents       *agent.Service
	Listings     *listing.Service
	Jobs         *job.Service
	Reputations  *reputation.Service
	Deposits     *wallet.DepositService
	Withdrawals  *wallet.WithdrawalService
	Orchestrator *verification.Orchestrator
	FeeSchedule  config.FeeSchedule
	Nonces       kvstore.Store
	RateLimits   *ratelimit.Limiter
	Logger       *logging.Logger
}

// NewRouter assembles the full HTTP surface: every domain operation
// wired through the shared middleware chain.
func NewRouter(deps Dependencies) http.Handler {
	auth := middleware.NewAuthMiddleware(deps.Agents, deps.Nonces, deps.Logger)
	recovery := middleware.NewRecoveryMiddleware(deps.Logger)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(nil)
	bodyLimit := middleware.NewBodyLimitMiddleware(0)
	timeout := middleware.NewTimeoutMiddleware(0)

	rateLimited := func(category ratelimit.Category) mux.MiddlewareFunc {
		return middleware.NewRateLimitMiddleware(deps.RateLimits, category).Handler
	}

	agents := &agentHandlers{agents: deps.Agents}
	listings := &listingHandlers{listings: deps.Listings}
	jobs := &jobHandlers{jobs: deps.Jobs, orchestrator: deps.Orchestrator, logger: deps.Logger}
	reputations := &reputationHandlers{reputations: deps.Reputations}
	walletH := &walletHandlers{deposits: deps.Deposits, withdrawals: deps.Withdrawals}
	system := &systemHandlers{db: deps.DB, schedule: deps.FeeSchedule}

	root := mux.NewRouter()
	root.Use(recovery.Handler, securityHeaders.Handler, bodyLimit.Handler, timeout.Handler)

	root.HandleFunc("/healthz", system.health).Methods(http.MethodGet)
	root.HandleFunc("/readyz", system.ready).Methods(http.MethodGet)
	root.HandleFunc("/fee-schedule", system.feeSchedule).Methods(http.MethodGet)

	// Unauthenticated registration and discovery: rate-limited by client
	// IP rather than by a signed principal.
	public := root.NewRoute().Subrouter()
	public.Use(rateLimited(ratelimit.CategoryRegistration))
	public.HandleFunc("/agents", agents.register).Methods(http.MethodPost)

	discovery := root.NewRoute().Subrouter()
	discovery.Use(rateLimited(ratelimit.CategoryDiscovery))
	discovery.HandleFunc("/listings", listings.discover).Methods(http.MethodGet)
	discovery.HandleFunc("/listings/{id}", listings.get).Methods(http.MethodGet)
	discovery.HandleFunc("/agents/{id}", agents.getProfile).Methods(http.MethodGet)

	webhookInbound := root.NewRoute().Subrouter()
	webhookInbound.Use(rateLimited(ratelimit.CategoryUnauthGeneric))
	webhookInbound.HandleFunc("/wallet/deposits/notify", walletH.notifyDeposit).Methods(http.MethodPost)

	// Everything below requires a valid Ed25519-signed request.
	authed := root.NewRoute().Subrouter()
	authed.Use(auth.Handler)

	writeAuthed := authed.NewRoute().Subrouter()
	writeAuthed.Use(rateLimited(ratelimit.CategoryWrite))
	writeAuthed.HandleFunc("/agents/{id}", agents.updateProfile).Methods(http.MethodPatch)
	writeAuthed.HandleFunc("/agents/{id}", agents.deactivate).Methods(http.MethodDelete)
	writeAuthed.HandleFunc("/listings", listings.create).Methods(http.MethodPost)
	writeAuthed.HandleFunc("/listings/{id}/pause", listings.pause).Methods(http.MethodPost)
	writeAuthed.HandleFunc("/listings/{id}/archive", listings.archive).Methods(http.MethodPost)
	writeAuthed.HandleFunc("/reviews", reputations.submit).Methods(http.MethodPost)
	writeAuthed.HandleFunc("/wallet/deposit-address", walletH.depositAddress).Methods(http.MethodGet)
	writeAuthed.HandleFunc("/wallet/withdrawals", walletH.requestWithdrawal).Methods(http.MethodPost)

	jobLifecycle := authed.NewRoute().Subrouter()
	jobLifecycle.Use(rateLimited(ratelimit.CategoryJobLifecycle))
	jobLifecycle.HandleFunc("/jobs", jobs.propose).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}", jobs.get).Methods(http.MethodGet)
	jobLifecycle.HandleFunc("/jobs/{id}/counter", jobs.counter).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/accept", jobs.accept).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/fund", jobs.fund).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/start", jobs.start).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/deliver", jobs.deliver).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/verify", jobs.verify).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/complete", jobs.complete).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/fail", jobs.fail).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/dispute", jobs.dispute).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/resolve", jobs.resolve).Methods(http.MethodPost)
	jobLifecycle.HandleFunc("/jobs/{id}/cancel", jobs.cancel).Methods(http.MethodPost)

	return root
}
