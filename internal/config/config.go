// Package config loads server settings from an optional YAML file and
// the environment. Environment variables (prefix FRESHELL) win over the
// file, the file wins over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" yaml:"listen_addr" default:":8777"`
	DataPath     string `envconfig:"DATA_PATH" yaml:"data_path" default:"/var/lib/freshell"`
	DatabasePath string `envconfig:"DATABASE_PATH" yaml:"database_path" default:""`
	LogPath      string `envconfig:"LOG_PATH" yaml:"log_path" default:""`

	// AuthToken is the shared secret consumed by the hello handshake.
	// FernetKey optionally enables short-lived signed connection tokens
	// issued by an external service.
	AuthToken string `envconfig:"AUTH_TOKEN" yaml:"auth_token" default:""`
	FernetKey string `envconfig:"FERNET_KEY" yaml:"fernet_key" default:""`
	// TokenTTL bounds the age of accepted fernet tokens.
	TokenTTL time.Duration `envconfig:"TOKEN_TTL" yaml:"token_ttl" default:"1h"`

	// Shell is the command spawned for mode=shell terminals.
	Shell string `envconfig:"SHELL_CMD" yaml:"shell" default:"/bin/bash"`

	// Connection admission and handshake.
	MaxConnections   int           `envconfig:"MAX_CONNECTIONS" yaml:"max_connections" default:"100"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" yaml:"handshake_timeout" default:"10s"`

	// Terminal-creation rate limit per connection (rolling window).
	CreateLimit  int           `envconfig:"CREATE_LIMIT" yaml:"create_limit" default:"10"`
	CreateWindow time.Duration `envconfig:"CREATE_WINDOW" yaml:"create_window" default:"30s"`

	// Byte budgets for streaming.
	ClientQueueBytes    int `envconfig:"CLIENT_QUEUE_BYTES" yaml:"client_queue_bytes" default:"2097152"`
	ReplayRingBytes     int `envconfig:"REPLAY_RING_BYTES" yaml:"replay_ring_bytes" default:"1048576"`
	AgentRingFloorBytes int `envconfig:"AGENT_RING_FLOOR_BYTES" yaml:"agent_ring_floor_bytes" default:"4194304"`

	// Catastrophic backpressure: a connection whose send buffer stays
	// above CatastrophicBufferBytes continuously for StallWindow is
	// force-closed. Transient spikes that recover sooner are ignored.
	CatastrophicBufferBytes int64         `envconfig:"CATASTROPHIC_BUFFER_BYTES" yaml:"catastrophic_buffer_bytes" default:"8388608"`
	StallWindow             time.Duration `envconfig:"STALL_WINDOW" yaml:"stall_window" default:"5s"`

	// Drain-wait tuning for bulk non-streaming sends.
	DrainSoftLimitBytes int64         `envconfig:"DRAIN_SOFT_LIMIT_BYTES" yaml:"drain_soft_limit_bytes" default:"524288"`
	DrainPollInterval   time.Duration `envconfig:"DRAIN_POLL_INTERVAL" yaml:"drain_poll_interval" default:"25ms"`
	DrainTimeout        time.Duration `envconfig:"DRAIN_TIMEOUT" yaml:"drain_timeout" default:"5s"`

	// RepairWaitTimeout bounds the session-repair wait during create.
	RepairWaitTimeout time.Duration `envconfig:"REPAIR_WAIT_TIMEOUT" yaml:"repair_wait_timeout" default:"10s"`

	// Cleanup job cadence and retention of exited terminals.
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" yaml:"cleanup_interval" default:"5m"`
	ExitedTTL       time.Duration `envconfig:"EXITED_TTL" yaml:"exited_ttl" default:"1h"`
}

// Load reads settings from the optional file named by FRESHELL_CONFIG_FILE
// and from the environment.
func Load() (Settings, error) {
	var s Settings

	if err := envconfig.Process("FRESHELL", &s); err != nil {
		return s, fmt.Errorf("load config from env: %w", err)
	}

	if path := os.Getenv("FRESHELL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("parse config file %s: %w", path, err)
		}
		// Re-apply env so variables override file values.
		if err := envconfig.Process("FRESHELL", &s); err != nil {
			return s, fmt.Errorf("load config from env: %w", err)
		}
	}

	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "freshell.db")
	}
	return s, nil
}
