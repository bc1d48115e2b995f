package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.ServerAddr)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryInterval)
	assert.Equal(t, uint(5), cfg.RetryMaxTries)
	assert.Equal(t, "postgres://negotiator:negotiator_pass@db:5432/negotiator?sslmode=disable", cfg.DatabaseURL)
	assert.False(t, cfg.NeedsPostgres())
	assert.Empty(t, cfg.Raft.JoinEndpoint)
	assert.Equal(t, uint(30), cfg.Raft.JoinRetries)
	assert.Equal(t, 4*time.Second, cfg.Raft.StartupWaitLeader)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@h:1/d")
	t.Setenv("STORE_BACKEND", "raft")
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("TRANSPORT", "nats")
	t.Setenv("LEASE_TTL", "3s")
	t.Setenv("RAFT_NODE_ID", "n2")
	t.Setenv("RAFT_BOOTSTRAP", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@h:1/d", cfg.DatabaseURL)
	assert.Equal(t, BackendRaft, cfg.StoreBackend)
	assert.Equal(t, TransportNATS, cfg.Transport)
	assert.Equal(t, 3*time.Second, cfg.LeaseTTL)
	assert.Equal(t, "n2", cfg.Raft.NodeID)
	assert.True(t, cfg.Raft.Bootstrap)
	assert.True(t, cfg.NeedsPostgres())
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"store", "STORE_BACKEND", "redis"},
		{"ledger", "LEDGER_BACKEND", "raft"},
		{"transport", "TRANSPORT", "kafka"},
		{"lease", "LEASE_TTL", "0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
