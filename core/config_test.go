package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadConfigDefaults verifies documented defaults with a clean environment.
func TestLoadConfigDefaults(t *testing.T) {
	clearImageflowEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.ServerBaseURL != DefaultServerBaseURL {
		t.Errorf("ServerBaseURL = %q, want %q", cfg.ServerBaseURL, DefaultServerBaseURL)
	}
	if cfg.ReadyTimeout != DefaultReadyTimeout {
		t.Errorf("ReadyTimeout = %v, want %v", cfg.ReadyTimeout, DefaultReadyTimeout)
	}
	if cfg.GenerationTimeout != DefaultGenerationTimeout {
		t.Errorf("GenerationTimeout = %v, want %v", cfg.GenerationTimeout, DefaultGenerationTimeout)
	}
	if cfg.ClientID == "" {
		t.Error("ClientID = empty, want generated id")
	}
	if cfg.DatabasePath != filepath.Join(cfg.DataDir, "imageflow.db") {
		t.Errorf("DatabasePath = %q, want derived from DataDir", cfg.DatabasePath)
	}
}

// TestLoadConfigFromEnv verifies env overrides.
func TestLoadConfigFromEnv(t *testing.T) {
	clearImageflowEnv(t)
	t.Setenv("IMAGEFLOW_SERVER_URL", "http://10.0.0.4:8188")
	t.Setenv("IMAGEFLOW_READY_TIMEOUT_SECONDS", "3")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.ServerBaseURL != "http://10.0.0.4:8188" {
		t.Errorf("ServerBaseURL = %q, want env value", cfg.ServerBaseURL)
	}
	if cfg.ReadyTimeout != 3*time.Second {
		t.Errorf("ReadyTimeout = %v, want 3s", cfg.ReadyTimeout)
	}
}

// TestLoadConfigFromFile verifies the YAML overlay wins over env.
func TestLoadConfigFromFile(t *testing.T) {
	clearImageflowEnv(t)
	t.Setenv("IMAGEFLOW_SERVER_URL", "http://from-env:8188")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server_base_url: http://from-file:8188\nclient_id: fixed-client\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() error = %v", err)
	}
	if cfg.ServerBaseURL != "http://from-file:8188" {
		t.Errorf("ServerBaseURL = %q, want file value", cfg.ServerBaseURL)
	}
	if cfg.ClientID != "fixed-client" {
		t.Errorf("ClientID = %q, want file value", cfg.ClientID)
	}
}

// TestValidateRejectsBadURL verifies validation failures on malformed URLs.
func TestValidateRejectsBadURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"no scheme", "127.0.0.1:8188"},
		{"bad scheme", "ftp://127.0.0.1:8188"},
		{"empty host", "http://"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{ServerBaseURL: tt.url}
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil for %q, want error", tt.url)
			}
		})
	}
}

// clearImageflowEnv unsets every variable LoadConfig reads so tests are
// insulated from the ambient environment.
func clearImageflowEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"IMAGEFLOW_SERVER_URL", "IMAGEFLOW_CLIENT_ID",
		"IMAGEFLOW_READY_TIMEOUT_SECONDS", "IMAGEFLOW_GENERATION_TIMEOUT_SECONDS",
		"IMAGEFLOW_DATA_DIR", "IMAGEFLOW_DB_PATH", "IMAGEFLOW_ASSETS_DIR",
		"IMAGEFLOW_LOG_FILE", "IMAGEFLOW_CONFIG", "DEV_MODE",
	} {
		t.Setenv(key, "")
	}
}
