// Command marketserver is the marketplace core's single-binary entry
// point: it wires every domain service to its Postgres-backed repository,
// starts the background deadline, webhook, and wallet workers, and serves
// the HTTP API until a termination signal arrives.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lreardon/agent-repository/api"
	"github.com/lreardon/agent-repository/domain/agent"
	"github.com/lreardon/agent-repository/domain/fees"
	"github.com/lreardon/agent-repository/domain/job"
	"github.com/lreardon/agent-repository/domain/ledger"
	"github.com/lreardon/agent-repository/domain/listing"
	"github.com/lreardon/agent-repository/domain/reputation"
	"github.com/lreardon/agent-repository/infrastructure/config"
	"github.com/lreardon/agent-repository/infrastructure/database"
	"github.com/lreardon/agent-repository/infrastructure/kvstore"
	"github.com/lreardon/agent-repository/infrastructure/logging"
	"github.com/lreardon/agent-repository/infrastructure/metrics"
	"github.com/lreardon/agent-repository/infrastructure/middleware"
	"github.com/lreardon/agent-repository/infrastructure/ratelimit"
	"github.com/lreardon/agent-repository/scheduler/deadline"
	"github.com/lreardon/agent-repository/sandbox"
	"github.com/lreardon/agent-repository/verification"
	"github.com/lreardon/agent-repository/verification/declarative"
	"github.com/lreardon/agent-repository/wallet"
	"github.com/lreardon/agent-repository/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("marketserver", cfg.LogLevel, cfg.LogFormat)

	schedule, err := config.LoadSchedule(cfg.FeeScheduleFile)
	if err != nil {
		logger.WithError(err).Fatal("load fee/rate-limit schedule")
	}

	ctx := context.Background()

	db, err := database.Connect(ctx, database.Config{
		URL:          cfg.DatabaseURL,
		MaxOpenConns: cfg.DatabaseMaxConns,
	})
	if err != nil {
		logger.WithError(err).Fatal("connect database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logger.WithError(err).Fatal("apply migrations")
	}

	store := kvstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer store.Close()

	m := metrics.New("marketserver")

	masterSecret, err := decodeMasterKey(cfg.WalletMasterKeyHex)
	if err != nil {
		logger.WithError(err).Fatal("decode wallet master key")
	}

	deadlines := deadline.NewDualQueue(store)
	feesEngine := fees.New(schedule.Fees)
	ledgerEngine := ledger.New(db, feesEngine, deadlines, m, logger)

	webhookRepo := webhook.NewPostgresRepository(db)
	webhookNotifier := webhook.NewEventNotifier(webhookRepo, logger)

	jobRepo := job.NewPostgresRepository(db)
	jobService := job.NewService(jobRepo, ledgerEngine, logger, webhookNotifier)

	listingRepo := listing.NewPostgresRepository(db)
	listingService := listing.NewService(listingRepo)

	reputationRepo := reputation.NewPostgresRepository(db)
	reputationService := reputation.NewService(reputationRepo, webhookNotifier)

	cardFetcher := agent.NewHTTPCardFetcher(&http.Client{Timeout: time.Duration(cfg.CardFetchTimeoutSeconds) * time.Second})
	agentRepo := agent.NewPostgresRepository(db)
	agentService := agent.NewService(agentRepo, cardFetcher, logger)

	chainClient, err := wallet.NewRPCChainClient(wallet.RPCChainClientConfig{
		RPCURL:             cfg.ChainRPCURL,
		USDCContractHash:   cfg.USDCContractHash,
		RequestTimeout:     time.Duration(cfg.ChainTimeoutSeconds) * time.Second,
		ConfirmationBlocks: cfg.MinDepositConfirmations,
	})
	if err != nil {
		logger.WithError(err).Fatal("construct chain client")
	}

	walletStore := wallet.NewStore(db)
	deposits := wallet.NewDepositService(walletStore, chainClient, masterSecret, logger, m)
	withdrawals := wallet.NewWithdrawalService(walletStore, chainClient, logger, m)
	walletWatcher := wallet.NewWatcher(walletStore, deposits, withdrawals, logger)

	declarativeRunner := declarative.NewRunner(false)
	sandboxExecutor := sandbox.Executor(sandbox.NewGojaRuntime())
	orchestrator := verification.NewOrchestrator(declarativeRunner, sandboxExecutor, ledgerEngine, jobService, logger)

	rateLimits := ratelimit.New(store, mergeRateLimitTable(schedule.RateLimits))

	router := api.NewRouter(api.Dependencies{
		DB:           db,
		Agents:       agentService,
		Listings:     listingService,
		Jobs:         jobService,
		Reputations:  reputationService,
		Deposits:     deposits,
		Withdrawals:  withdrawals,
		Orchestrator: orchestrator,
		FeeSchedule:  schedule.Fees,
		Nonces:       store,
		RateLimits:   rateLimits,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	recoverBackground(startCtx, logger, jobRepo, deadlines, walletWatcher)
	cancelStart()

	warningConsumer := deadline.NewWarningConsumer(store, jobService.WarnDeadline, logger, m)
	expiryConsumer := deadline.NewConsumer(store, jobService.ExpireDeadline, logger, m)
	dispatcher := webhook.NewDispatcher(webhookRepo, agentService, logger, m)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	warningConsumer.Start(workerCtx)
	expiryConsumer.Start(workerCtx)
	dispatcher.Start(workerCtx)
	walletWatcher.Start(workerCtx)

	shutdown := middleware.NewGracefulShutdown(server, time.Duration(cfg.GracefulShutdownSeconds)*time.Second, logger)
	shutdown.OnShutdown(func() {
		cancelWorkers()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = expiryConsumer.Stop(stopCtx)
		_ = warningConsumer.Stop(stopCtx)
		_ = dispatcher.Stop(stopCtx)
		_ = walletWatcher.Stop(stopCtx)
	})
	shutdown.ListenForSignals()

	logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("marketserver listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Fatal("serve")
	}
}

// recoverBackground re-seeds the deadline queues and the wallet watcher's
// in-flight confirmations from durable storage, so a restart doesn't lose
// track of jobs already past acceptance or deposits mid-confirmation.
func recoverBackground(ctx context.Context, logger *logging.Logger, jobRepo job.Repository, deadlines *deadline.DualQueue, walletWatcher *wallet.Watcher) {
	jobs, err := jobRepo.ListWithDeadlines(ctx)
	if err != nil {
		logger.WithError(err).Error("list jobs with deadlines for recovery")
	} else {
		pending := make([]deadline.JobDeadline, 0, len(jobs))
		for _, j := range jobs {
			if j.DeliveryDeadline == nil {
				continue
			}
			pending = append(pending, deadline.JobDeadline{JobID: j.JobID, Deadline: *j.DeliveryDeadline})
		}
		if err := deadlines.Recover(ctx, pending); err != nil {
			logger.WithError(err).Error("recover deadline queue")
		}
	}

	if err := walletWatcher.Recover(ctx); err != nil {
		logger.WithError(err).Error("recover wallet watcher")
	}
}

// mergeRateLimitTable overlays operator-supplied YAML overrides onto the
// built-in rate-limit table; categories the operator did not mention keep
// their built-in rule.
func mergeRateLimitTable(overrides map[string]config.RateLimitRule) map[ratelimit.Category]ratelimit.Rule {
	table := ratelimit.DefaultTable()
	for name, rule := range overrides {
		table[ratelimit.Category(name)] = ratelimit.Rule{
			Capacity:        rule.Capacity,
			RefillPerMinute: rule.RefillPerMinute,
		}
	}
	return table
}

// decodeMasterKey accepts the wallet master key as hex, the form every
// other secret in this core's environment takes.
func decodeMasterKey(hexKey string) ([]byte, error) {
	return hex.DecodeString(hexKey)
}
