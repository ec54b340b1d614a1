package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Email     EmailConfig     `yaml:"email"`
	SFU       SFUConfig       `yaml:"sfu"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Voice     VoiceConfig     `yaml:"voice"`
	Uploads   UploadConfig    `yaml:"uploads"`
}

type SFUConfig struct {
	PublicIP string     `yaml:"publicIP"`
	MinPort  uint16     `yaml:"minPort"`
	MaxPort  uint16     `yaml:"maxPort"`
	TURN     TURNConfig `yaml:"turn"`
}

// TURNConfig points at a coturn instance running in static-auth-secret
// mode. TTL bounds the lifetime of the derived per-user credentials.
type TURNConfig struct {
	Host   string        `yaml:"host"`
	Port   int           `yaml:"port"`
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type ServerConfig struct {
	Name           string   `yaml:"name"`
	Description    string   `yaml:"description"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	BaseURL        string   `yaml:"base_url"`
	TrustedProxies []string `yaml:"trusted_proxies"` // CIDRs whose X-Forwarded-For is honored
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	MagicCodeTTL    time.Duration `yaml:"magic_code_ttl"`
}

type EmailConfig struct {
	// DevMode logs magic codes instead of sending mail. SMTP settings
	// become optional.
	DevMode bool       `yaml:"dev_mode"`
	SMTP    SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type WebSocketConfig struct {
	AllowedOrigins           []string      `yaml:"allowed_origins"`
	MaxUnauthenticatedPerIP  int           `yaml:"max_unauthenticated_per_ip"`
	MaxUnauthenticatedGlobal int           `yaml:"max_unauthenticated_global"`
	UnauthenticatedTimeout   time.Duration `yaml:"unauthenticated_timeout"`
}

// VoiceConfig holds the sliding windows that gate voice joins and
// mute/deafen toggles, plus the cooldowns applied once a window trips.
type VoiceConfig struct {
	JoinLimit      int           `yaml:"join_limit"`
	JoinWindow     time.Duration `yaml:"join_window"`
	JoinCooldown   time.Duration `yaml:"join_cooldown"`
	ToggleLimit    int           `yaml:"toggle_limit"`
	ToggleWindow   time.Duration `yaml:"toggle_window"`
	ToggleCooldown time.Duration `yaml:"toggle_cooldown"`
}

type UploadConfig struct {
	MaxBytes int64  `yaml:"max_bytes"`
	Dir      string `yaml:"dir"`
}

// Load reads the YAML config at path, applies env overrides, validates
// and fills defaults. A missing file is not an error: the server runs
// on defaults plus env.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// fall through to env + defaults
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets secrets come from the environment instead of
// the config file.
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"LOBBY_JWT_SECRET", &c.Auth.JWTSecret},
		{"LOBBY_SMTP_PASSWORD", &c.Email.SMTP.Password},
		{"LOBBY_TURN_SECRET", &c.SFU.TURN.Secret},
	}
	for _, ov := range overrides {
		if v := os.Getenv(ov.env); v != "" {
			*ov.dst = v
		}
	}

	// Dev mode must be reachable without a config file, or a file-less
	// boot could never pass email validation.
	if v := os.Getenv("LOBBY_EMAIL_DEV_MODE"); v != "" {
		c.Email.DevMode = v == "1" || strings.EqualFold(v, "true")
	}
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if !c.Email.DevMode {
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp.host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp.port is required")
		}
		if c.Email.SMTP.From == "" {
			return fmt.Errorf("email.smtp.from is required")
		}
	}
	// Defaults have been applied, so both ports are always set here.
	if c.SFU.MinPort > c.SFU.MaxPort {
		return fmt.Errorf("sfu.minPort must not exceed sfu.maxPort")
	}
	return nil
}

// setIfZero fills dst with d when dst holds its type's zero value.
func setIfZero[T comparable](dst *T, d T) {
	var zero T
	if *dst == zero {
		*dst = d
	}
}

func (c *Config) setDefaults() {
	setIfZero(&c.Server.Host, "0.0.0.0")
	setIfZero(&c.Server.Port, 8080)
	setIfZero(&c.Server.Name, "Lobby Server")
	setIfZero(&c.Database.Path, "./data/lobby.db")

	setIfZero(&c.Auth.AccessTokenTTL, 15*time.Minute)
	setIfZero(&c.Auth.RefreshTokenTTL, 30*24*time.Hour)
	setIfZero(&c.Auth.MagicCodeTTL, 10*time.Minute)

	setIfZero(&c.SFU.MinPort, 50000)
	setIfZero(&c.SFU.MaxPort, 50100)
	setIfZero(&c.SFU.TURN.Port, 3478)
	setIfZero(&c.SFU.TURN.TTL, 24*time.Hour)

	setIfZero(&c.WebSocket.MaxUnauthenticatedPerIP, 20)
	setIfZero(&c.WebSocket.MaxUnauthenticatedGlobal, 200)
	setIfZero(&c.WebSocket.UnauthenticatedTimeout, 10*time.Second)

	setIfZero(&c.Voice.JoinLimit, 3)
	setIfZero(&c.Voice.JoinWindow, 15*time.Second)
	setIfZero(&c.Voice.JoinCooldown, 15*time.Second)
	setIfZero(&c.Voice.ToggleLimit, 5)
	setIfZero(&c.Voice.ToggleWindow, 5*time.Second)
	setIfZero(&c.Voice.ToggleCooldown, 10*time.Second)

	setIfZero(&c.Uploads.MaxBytes, 10<<20)
	setIfZero(&c.Uploads.Dir, "./data/blobs")

	// BaseURL is computed from the (now defaulted) host and port.
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
