package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_PROPOSAL_TIMEOUT", "24h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.BindAddr)
	require.Equal(t, "foreman", cfg.MetricsNamespace)
	require.Equal(t, 3, cfg.MaxConcurrentExecutions)
	require.Equal(t, 30*time.Minute, cfg.ExecutionTimeout)
	require.Equal(t, 5*time.Minute, cfg.SyncInterval)
	require.Equal(t, 24*time.Hour, cfg.ProposalTimeout)
	require.Equal(t, "docker", cfg.RunnerMode)
	require.False(t, cfg.AllowAnyOrigin)
}

func TestLoadRequiresProposalTimeout(t *testing.T) {
	t.Setenv("APP_PROPOSAL_TIMEOUT", "")
	_, err := Load()
	require.Error(t, err, "a proposal without an expiry would wait forever")

	t.Setenv("APP_PROPOSAL_TIMEOUT", "-5m")
	_, err = Load()
	require.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_PROPOSAL_TIMEOUT", "1h")
	t.Setenv("APP_BIND_ADDR", ":9999")
	t.Setenv("APP_MAX_CONCURRENT_EXECUTIONS", "7")
	t.Setenv("APP_EXECUTION_TIMEOUT", "2m")
	t.Setenv("APP_SYNC_INTERVAL", "30s")
	t.Setenv("RUNNER_MODE", "mock")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.BindAddr)
	require.Equal(t, 7, cfg.MaxConcurrentExecutions)
	require.Equal(t, 2*time.Minute, cfg.ExecutionTimeout)
	require.Equal(t, 30*time.Second, cfg.SyncInterval)
	require.Equal(t, "mock", cfg.RunnerMode)
	require.True(t, cfg.AllowAnyOrigin)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		key   string
		value string
	}{
		{"APP_EXECUTION_TIMEOUT", "30s"},
		{"APP_EXECUTION_TIMEOUT", "soon"},
		{"APP_MAX_CONCURRENT_EXECUTIONS", "0"},
		{"APP_MAX_CONCURRENT_EXECUTIONS", "many"},
		{"RUNNER_MODE", "podman"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe"},
	}

	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv("APP_PROPOSAL_TIMEOUT", "1h")
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}
