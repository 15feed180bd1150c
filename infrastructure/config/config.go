// Package config loads marketplace configuration from the environment,
// with an optional .env file in non-production, and the fee/rate-limit
// schedule from a YAML file. SIGNATURE_MAX_AGE_SECONDS, NONCE_TTL_SECONDS,
// REQUEST_BODY_CAP_BYTES, WEBHOOK_TIMEOUT_SECONDS, CHAIN_NETWORK and
// SECRETS_BACKEND are decoded but no component reads them: the auth
// middleware's timestamp window and nonce TTL, the request body cap and
// the webhook delivery timeout are fixed constants in their packages.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the process-wide configuration, struct-tag decoded from the
// environment via envdecode: an explicit env var wins, otherwise the
// struct tag's default applies. This core has no enclave to source
// secrets from, so every value is sourced from the environment.
type Config struct {
	Environment string `env:"APP_ENV,default=development"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	LogFormat   string `env:"LOG_FORMAT,default=json"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	DatabaseURL      string `env:"DATABASE_URL,required"`
	DatabaseMaxConns int    `env:"DATABASE_MAX_CONNS,default=20"`

	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD,default="`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	FeeScheduleFile string `env:"FEE_SCHEDULE_FILE,default=config/fees.yaml"`

	SignatureMaxAgeSeconds int `env:"SIGNATURE_MAX_AGE_SECONDS,default=30"`
	NonceTTLSeconds        int `env:"NONCE_TTL_SECONDS,default=60"`
	RequestBodyCapBytes    int `env:"REQUEST_BODY_CAP_BYTES,default=1048576"`

	WebhookTimeoutSeconds   int `env:"WEBHOOK_TIMEOUT_SECONDS,default=10"`
	CardFetchTimeoutSeconds int `env:"CARD_FETCH_TIMEOUT_SECONDS,default=30"`
	ChainTimeoutSeconds     int `env:"CHAIN_TIMEOUT_SECONDS,default=60"`

	ChainNetwork      string `env:"CHAIN_NETWORK,default=testnet"`
	ChainRPCURL       string `env:"CHAIN_RPC_URL,default=http://localhost:8545"`
	USDCContractHash  string `env:"USDC_CONTRACT_HASH,default="`
	SecretsBackend    string `env:"SECRETS_BACKEND,default=env"`
	WalletMasterKeyHex string `env:"WALLET_MASTER_KEY_HEX,required"`

	MinDepositConfirmations int `env:"MIN_DEPOSIT_CONFIRMATIONS,default=12"`

	GracefulShutdownSeconds int `env:"GRACEFUL_SHUTDOWN_SECONDS,default=30"`
}

// Load reads a .env file when present, a non-production convenience, then
// decodes Config from the process environment via envdecode struct tags.
func Load() (*Config, error) {
	if env := strings.TrimSpace(os.Getenv("APP_ENV")); env != "production" {
		_ = godotenv.Load() // best-effort; absence is not an error
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
