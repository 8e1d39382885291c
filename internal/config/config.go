package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Owner modes select what populates a window's owner token.
const (
	OwnerModeSession = "session" // authenticated username
	OwnerModeAddress = "address" // client network address
)

type Settings struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8050"`
	DataPath       string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"./data/velociterm.db"`
	LogPath        string `envconfig:"LOG_PATH" default:"./data/velociterm.log"`
	WorkspacesPath string `envconfig:"WORKSPACES_PATH" default:"./workspaces"`
	UsersFile      string `envconfig:"USERS_FILE" default:""`
	AuthDisabled   bool   `envconfig:"AUTH_DISABLED" default:"false"`
	OwnerMode      string `envconfig:"OWNER_MODE" default:"session"`

	// SSH driver settings
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"15s"`
	SSHKeepaliveInterval time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s"`

	// Relay settings
	PumpBusyDelay       time.Duration `envconfig:"PUMP_BUSY_DELAY" default:"1ms"`
	PumpIdleDelay       time.Duration `envconfig:"PUMP_IDLE_DELAY" default:"10ms"`
	WindowSweepSchedule string        `envconfig:"WINDOW_SWEEP_SCHEDULE" default:"@hourly"`
	WindowMaxAge        time.Duration `envconfig:"WINDOW_MAX_AGE" default:"24h"`
	MaxWindows          int           `envconfig:"MAX_WINDOWS" default:"0"`
	AllowedOrigins      []string      `envconfig:"ALLOWED_ORIGINS" default:""`
	AllowedTargets      []string      `envconfig:"ALLOWED_TARGETS" default:""`
	// TrustedProxies lists peers whose X-Real-IP/X-Forwarded-For is believed.
	TrustedProxies      []string      `envconfig:"TRUSTED_PROXIES" default:""`
}

var Cfg Settings

// Load reads VELOCITERM_* environment variables into Cfg and exits on error.
func Load() {
	if err := Parse(&Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Parse fills s from the environment and validates it.
func Parse(s *Settings) error {
	if err := envconfig.Process("VELOCITERM", s); err != nil {
		return err
	}
	return s.Validate()
}

// Validate rejects settings the relay cannot run with.
func (s *Settings) Validate() error {
	switch s.OwnerMode {
	case OwnerModeSession, OwnerModeAddress:
	default:
		return fmt.Errorf("invalid OWNER_MODE %q (want %q or %q)", s.OwnerMode, OwnerModeSession, OwnerModeAddress)
	}
	if s.SSHConnectTimeout <= 0 {
		return fmt.Errorf("SSH_CONNECT_TIMEOUT must be positive")
	}
	if s.PumpBusyDelay < 0 || s.PumpIdleDelay <= 0 {
		return fmt.Errorf("pump delays must be non-negative and the idle delay positive")
	}
	if s.PumpBusyDelay > s.PumpIdleDelay {
		return fmt.Errorf("PUMP_BUSY_DELAY (%s) exceeds PUMP_IDLE_DELAY (%s)", s.PumpBusyDelay, s.PumpIdleDelay)
	}
	if s.MaxWindows < 0 {
		return fmt.Errorf("MAX_WINDOWS must not be negative")
	}
	return nil
}
