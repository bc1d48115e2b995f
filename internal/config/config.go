package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendRaft     Backend = "raft"
)

// Transport names a message transport implementation.
type Transport string

const (
	TransportMemory Transport = "memory"
	TransportNATS   Transport = "nats"
)

// Config holds service configuration.
type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`
	Postgres    struct {
		User     string `env:"POSTGRES_USER" envDefault:"negotiator"`
		Password string `env:"POSTGRES_PASSWORD" envDefault:"negotiator_pass"`
		DB       string `env:"POSTGRES_DB" envDefault:"negotiator"`
		Host     string `env:"POSTGRES_HOST" envDefault:"localhost"`
		Port     string `env:"POSTGRES_PORT" envDefault:"5432"`
		SSLMode  string `env:"DATABASE_SSLMODE" envDefault:"disable"`
	}
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"internal/migrations"`

	StoreBackend  Backend   `env:"STORE_BACKEND" envDefault:"memory"`
	LedgerBackend Backend   `env:"LEDGER_BACKEND" envDefault:"memory"`
	Transport     Transport `env:"TRANSPORT" envDefault:"memory"`
	NATSURL       string    `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSStream    string    `env:"NATS_STREAM" envDefault:"NEGOTIATION"`

	RetryInterval       time.Duration `env:"RETRY_INTERVAL" envDefault:"200ms"`
	RetryMaxTries       uint          `env:"RETRY_MAX_TRIES" envDefault:"5"`
	LeaseTTL            time.Duration `env:"LEASE_TTL" envDefault:"10s"`
	ProposalNoticeDelay time.Duration `env:"PROPOSAL_NOTICE_DELAY" envDefault:"30s"`
	CataloguePath       string        `env:"CATALOGUE_PATH"`

	Raft struct {
		NodeID    string `env:"RAFT_NODE_ID" envDefault:"node-1"`
		Addr      string `env:"RAFT_ADDR" envDefault:"127.0.0.1:7000"`
		DataDir   string `env:"RAFT_DATA_DIR" envDefault:"data/raft"`
		Bootstrap bool   `env:"RAFT_BOOTSTRAP" envDefault:"false"`

		// JoinEndpoint is the HTTP address of a running member to join through.
		JoinEndpoint      string        `env:"RAFT_JOIN_ENDPOINT"`
		JoinRetries       uint          `env:"RAFT_JOIN_RETRIES" envDefault:"30"`
		JoinRetryDelay    time.Duration `env:"RAFT_JOIN_RETRY_DELAY" envDefault:"1s"`
		StartupWaitLeader time.Duration `env:"RAFT_STARTUP_WAIT_LEADER" envDefault:"4s"`
		ApplyTimeout      time.Duration `env:"RAFT_APPLY_TIMEOUT" envDefault:"5s"`
	}
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabaseURL == "" {
		p := cfg.Postgres
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and their combinations.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory, BackendPostgres, BackendRaft:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.LedgerBackend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend)
	}
	switch c.Transport {
	case TransportMemory, TransportNATS:
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	if c.StoreBackend == BackendRaft && strings.TrimSpace(c.Raft.NodeID) == "" {
		return fmt.Errorf("RAFT_NODE_ID is required for the raft backend")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("LEASE_TTL must be positive")
	}
	return nil
}

// NeedsPostgres reports whether any component stores data in postgres.
func (c *Config) NeedsPostgres() bool {
	return c.StoreBackend == BackendPostgres || c.LedgerBackend == BackendPostgres
}
