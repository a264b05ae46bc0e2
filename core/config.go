// Package core provides shared configuration, the error taxonomy, and the
// wait-vs-deadline primitive used by the orchestration subsystem.
package core

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultServerBaseURL is used when no generation server endpoint is
// configured. Matches the generation server's stock listen address.
const DefaultServerBaseURL = "http://127.0.0.1:8188"

// Default deadlines. Connection readiness and generation completion are
// independent timers (see comfy.Connection.AwaitReady and
// generation.Controller.AwaitCompletion).
const (
	DefaultReadyTimeout      = 15 * time.Second
	DefaultGenerationTimeout = 5 * time.Minute
)

// Config holds runtime configuration for the orchestration subsystem.
//
// Values are resolved in order: defaults, then environment variables
// (typically loaded from .env via godotenv in main), then an optional YAML
// config file which overrides both.
type Config struct {
	// ServerBaseURL is the generation server's HTTP base URL. The
	// WebSocket endpoint is derived from it.
	ServerBaseURL string `yaml:"server_base_url"`

	// ClientID identifies this client on the server's event stream.
	// Generated when empty.
	ClientID string `yaml:"client_id"`

	// ReadyTimeout bounds the connection readiness wait.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`

	// GenerationTimeout bounds a single generation from submit to terminal event.
	GenerationTimeout time.Duration `yaml:"generation_timeout"`

	// DataDir is the root for local state (database, assets, logs).
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite file for per-model settings.
	// Defaults to DataDir/imageflow.db.
	DatabasePath string `yaml:"database_path"`

	// AssetsDir receives persisted artifacts when the directory-backed
	// asset store is used. Defaults to DataDir/assets.
	AssetsDir string `yaml:"assets_dir"`

	// LogFile is the rotating log file path.
	LogFile string `yaml:"log_file"`

	// DevMode enables debug-level colored console logging.
	DevMode bool `yaml:"dev_mode"`
}

// LoadConfig resolves configuration from environment variables with
// documented defaults, then applies the YAML file named by
// IMAGEFLOW_CONFIG if set.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerBaseURL:     GetEnvOrDefault("IMAGEFLOW_SERVER_URL", DefaultServerBaseURL),
		ClientID:          os.Getenv("IMAGEFLOW_CLIENT_ID"),
		ReadyTimeout:      ParseDurationEnv("IMAGEFLOW_READY_TIMEOUT_SECONDS", int(DefaultReadyTimeout/time.Second)),
		GenerationTimeout: ParseDurationEnv("IMAGEFLOW_GENERATION_TIMEOUT_SECONDS", int(DefaultGenerationTimeout/time.Second)),
		DataDir:           GetEnvOrDefault("IMAGEFLOW_DATA_DIR", "data"),
		DatabasePath:      os.Getenv("IMAGEFLOW_DB_PATH"),
		AssetsDir:         os.Getenv("IMAGEFLOW_ASSETS_DIR"),
		LogFile:           GetEnvOrDefault("IMAGEFLOW_LOG_FILE", "imageflow.log"),
		DevMode:           ParseBoolEnv("DEV_MODE", false),
	}

	if path := os.Getenv("IMAGEFLOW_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile resolves configuration from env as LoadConfig does,
// then applies the given YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile overlays non-zero values from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("core: failed to read config file %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("core: failed to parse config file %s: %w", path, err)
	}

	if overlay.ServerBaseURL != "" {
		c.ServerBaseURL = overlay.ServerBaseURL
	}
	if overlay.ClientID != "" {
		c.ClientID = overlay.ClientID
	}
	if overlay.ReadyTimeout != 0 {
		c.ReadyTimeout = overlay.ReadyTimeout
	}
	if overlay.GenerationTimeout != 0 {
		c.GenerationTimeout = overlay.GenerationTimeout
	}
	if overlay.DataDir != "" {
		c.DataDir = overlay.DataDir
	}
	if overlay.DatabasePath != "" {
		c.DatabasePath = overlay.DatabasePath
	}
	if overlay.AssetsDir != "" {
		c.AssetsDir = overlay.AssetsDir
	}
	if overlay.LogFile != "" {
		c.LogFile = overlay.LogFile
	}
	if overlay.DevMode {
		c.DevMode = true
	}
	return nil
}

// applyDefaults fills derived values that depend on other fields.
func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "imageflow.db")
	}
	if c.AssetsDir == "" {
		c.AssetsDir = filepath.Join(c.DataDir, "assets")
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
}

// Validate checks that the resolved configuration is usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerBaseURL)
	if err != nil {
		return fmt.Errorf("core: invalid server base URL %q: %w", c.ServerBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("core: server base URL %q must use http or https", c.ServerBaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("core: server base URL %q has no host", c.ServerBaseURL)
	}
	return nil
}
