// Package config loads and validates the broker's environment-variable
// configuration, following the same ApplyDefaults/Validate shape the
// teacher repo uses for its WireGuard configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// JWTMode selects how access tokens on the auth frame are validated.
type JWTMode string

const (
	JWTModeStrict     JWTMode = "strict"
	JWTModePermissive JWTMode = "permissive"
)

// Config holds every recognised environment variable from spec.md §6.
// All variables are optional; Load fills in the default for any that is
// unset or unparsable.
type Config struct {
	Port int

	MaxAnonymousSessions     int
	MaxAuthenticatedSessions int

	MaxConnectionsPerIPPerMinute        int
	MaxResumeAttemptsPerSessionPerMin   int
	EnableConnectionThrottling         bool
	ConnectionThrottleWindow           time.Duration

	TerminalIdleTimeout time.Duration
	MaxSessionDuration  time.Duration
	ResumeGrace         time.Duration

	OutputBufferMaxLines int
	MaxOutputBufferSize  int
	MaxWebsocketMessage  int

	ResourceMonitoringInterval time.Duration
	EnableResourceMonitoring   bool
	CleanupGracePeriod         time.Duration

	AuthTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	JWTValidationMode JWTMode
	// JWTSigningKey verifies the signature of access tokens in strict mode.
	// It is shared out-of-band with the identity provider that mints them;
	// the provider itself is external to the broker (spec.md §1).
	JWTSigningKey string

	ContainerMemoryBytes int64
	ContainerPidsLimit   int64
	ContainerCPUShares   int64
	ContainerTmpfsSize   int64
	ContainerImage       string
	ContainerNetwork     string

	Debug          bool
	SecurityAuditLog bool
}

// minimums enforced by Validate, named so the error messages stay meaningful.
const (
	minMemoryBytes  = 16 * 1024 * 1024 // 16 MiB
	minMessageBytes = 1024             // 1 KiB
)

// Load reads every recognised variable from the environment, applies
// defaults for anything unset, and validates the result. Errors are
// aggregated: every violation is reported, not just the first.
func Load() (*Config, error) {
	c := &Config{
		Port: envInt("PORT", 8080),

		MaxAnonymousSessions:     envInt("MAX_ANONYMOUS_SESSIONS", 50),
		MaxAuthenticatedSessions: envInt("MAX_AUTHENTICATED_SESSIONS", 50),

		MaxConnectionsPerIPPerMinute:      envInt("MAX_CONNECTIONS_PER_IP_PER_MINUTE", 10),
		MaxResumeAttemptsPerSessionPerMin: envInt("MAX_RESUME_ATTEMPTS_PER_SESSION_PER_MINUTE", 3),
		EnableConnectionThrottling:        envBool("ENABLE_CONNECTION_THROTTLING", true),
		ConnectionThrottleWindow:          envDuration("CONNECTION_THROTTLE_WINDOW_MS", 60_000),

		TerminalIdleTimeout: envDuration("TERMINAL_IDLE_TIMEOUT_MS", 30*60*1000),
		MaxSessionDuration:  envDuration("MAX_SESSION_DURATION_MS", 4*60*60*1000),
		ResumeGrace:         envDuration("RESUME_GRACE_MS", 5*60*1000),

		OutputBufferMaxLines: envInt("OUTPUT_BUFFER_MAX_LINES", 1000),
		MaxOutputBufferSize:  envInt("MAX_OUTPUT_BUFFER_SIZE", 1024*1024),
		MaxWebsocketMessage:  envInt("MAX_WEBSOCKET_MESSAGE_SIZE", 64*1024),

		ResourceMonitoringInterval: envDuration("RESOURCE_MONITORING_INTERVAL_MS", 30_000),
		EnableResourceMonitoring:   envBool("ENABLE_RESOURCE_MONITORING", true),
		CleanupGracePeriod:         envDuration("CLEANUP_GRACE_PERIOD_MS", 5*60*1000),

		AuthTimeout:         envDuration("AUTH_TIMEOUT_MS", 10_000),
		ShutdownGracePeriod: envDuration("SHUTDOWN_GRACE_PERIOD_MS", 5_000),

		JWTValidationMode: JWTMode(envString("JWT_VALIDATION_MODE", string(JWTModeStrict))),
		JWTSigningKey:     envString("JWT_SIGNING_KEY", ""),

		ContainerMemoryBytes: int64(envInt("CONTAINER_MEMORY_BYTES", 256*1024*1024)),
		ContainerPidsLimit:   int64(envInt("CONTAINER_PIDS_LIMIT", 64)),
		ContainerCPUShares:   int64(envInt("CONTAINER_CPU_SHARES", 512)),
		ContainerTmpfsSize:   int64(envInt("CONTAINER_TMPFS_SIZE_BYTES", 16*1024*1024)),
		ContainerImage:       envString("CONTAINER_IMAGE", "broker-shell:latest"),
		ContainerNetwork:     envString("CONTAINER_NETWORK", "broker-isolated"),

		Debug:            envBool("DEBUG", false),
		SecurityAuditLog: envBool("SECURITY_AUDIT_LOG", false),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports every configuration violation at once via errors.Join,
// matching spec.md §6's "aggregate, not just the first" requirement.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in 1..65535, got %d", c.Port))
	}
	if c.MaxAnonymousSessions < 0 {
		errs = append(errs, fmt.Errorf("MAX_ANONYMOUS_SESSIONS must not be negative, got %d", c.MaxAnonymousSessions))
	}
	if c.MaxAuthenticatedSessions < 0 {
		errs = append(errs, fmt.Errorf("MAX_AUTHENTICATED_SESSIONS must not be negative, got %d", c.MaxAuthenticatedSessions))
	}
	if c.MaxConnectionsPerIPPerMinute < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS_PER_IP_PER_MINUTE must be >= 1, got %d", c.MaxConnectionsPerIPPerMinute))
	}
	if c.MaxResumeAttemptsPerSessionPerMin < 1 {
		errs = append(errs, fmt.Errorf("MAX_RESUME_ATTEMPTS_PER_SESSION_PER_MINUTE must be >= 1, got %d", c.MaxResumeAttemptsPerSessionPerMin))
	}
	if c.MaxOutputBufferSize < minMemoryBytesFloor() {
		errs = append(errs, fmt.Errorf("MAX_OUTPUT_BUFFER_SIZE must be >= %d bytes, got %d", minMemoryBytesFloor(), c.MaxOutputBufferSize))
	}
	if c.MaxWebsocketMessage < minMessageBytes {
		errs = append(errs, fmt.Errorf("MAX_WEBSOCKET_MESSAGE_SIZE must be >= %d bytes, got %d", minMessageBytes, c.MaxWebsocketMessage))
	}
	if c.ContainerMemoryBytes < minMemoryBytes {
		errs = append(errs, fmt.Errorf("CONTAINER_MEMORY_BYTES must be >= %d bytes, got %d", minMemoryBytes, c.ContainerMemoryBytes))
	}
	switch c.JWTValidationMode {
	case JWTModeStrict, JWTModePermissive:
	default:
		errs = append(errs, fmt.Errorf("JWT_VALIDATION_MODE must be %q or %q, got %q", JWTModeStrict, JWTModePermissive, c.JWTValidationMode))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// minMemoryBytesFloor is the minimum OUTPUT_BUFFER_SIZE: a single replay
// must be able to hold at least one maximal frame.
func minMemoryBytesFloor() int { return 4096 }

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, defMillis int) time.Duration {
	ms := envInt(key, defMillis)
	return time.Duration(ms) * time.Millisecond
}
