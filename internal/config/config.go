package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the orchestration service.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	LogLevel         string
	AllowAnyOrigin   bool

	DatabaseURL string

	MaxConcurrentExecutions int
	ExecutionTimeout        time.Duration
	// ProposalTimeout has no built-in default: pending proposals must expire
	// on an operator-chosen schedule, so APP_PROPOSAL_TIMEOUT is required.
	ProposalTimeout time.Duration

	SyncInterval    time.Duration
	PlannerBaseURL  string
	PlannerToken    string
	PlannerBucketID string

	RunnerMode    string
	DockerBinary  string
	DockerImage   string
	DockerWorkdir string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:        envOrDefault("APP_METRICS_NAMESPACE", "foreman"),
		LogLevel:                envOrDefault("LOG_LEVEL", "info"),
		AllowAnyOrigin:          false,
		DatabaseURL:             trimmedEnv("DATABASE_URL"),
		MaxConcurrentExecutions: 3,
		ExecutionTimeout:        30 * time.Minute,
		SyncInterval:            5 * time.Minute,
		PlannerBaseURL:          trimmedEnv("PLANNER_BASE_URL"),
		PlannerToken:            trimmedEnv("PLANNER_TOKEN"),
		PlannerBucketID:         trimmedEnv("PLANNER_BUCKET_ID"),
		RunnerMode:              envOrDefault("RUNNER_MODE", "docker"),
		DockerBinary:            envOrDefault("DOCKER_BINARY", "docker"),
		DockerImage:             envOrDefault("DOCKER_IMAGE", "alpine:3.20"),
		DockerWorkdir:           trimmedEnv("DOCKER_WORKDIR"),
		ShutdownTimeout:         15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExecutionTimeout, err = durationFromEnv("APP_EXECUTION_TIMEOUT", cfg.ExecutionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProposalTimeout, err = durationFromEnv("APP_PROPOSAL_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.SyncInterval, err = durationFromEnv("APP_SYNC_INTERVAL", cfg.SyncInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentExecutions, err = intFromEnv("APP_MAX_CONCURRENT_EXECUTIONS", cfg.MaxConcurrentExecutions)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.ProposalTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_PROPOSAL_TIMEOUT must be set to a positive duration")
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_CONCURRENT_EXECUTIONS must be positive")
	}
	if cfg.ExecutionTimeout < time.Minute {
		return Config{}, fmt.Errorf("APP_EXECUTION_TIMEOUT must be at least 1m")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.RunnerMode)) {
	case "docker", "mock":
	default:
		return Config{}, fmt.Errorf("RUNNER_MODE must be docker or mock")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
