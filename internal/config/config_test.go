package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("THREADLINE_SERVER_USER", "alice")

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.BaseURL != DefaultServerBaseURL {
		t.Errorf("Expected default base url %s, got %s", DefaultServerBaseURL, cfg.Server.BaseURL)
	}
	if cfg.Server.User != "alice" {
		t.Errorf("Expected user from env, got %s", cfg.Server.User)
	}
	if cfg.Stream.Timeout != DefaultStreamTimeout {
		t.Errorf("Expected default stream timeout %s, got %s", DefaultStreamTimeout, cfg.Stream.Timeout)
	}
	if cfg.Stream.Prefix != DefaultStreamPrefix {
		t.Errorf("Expected default prefix %q, got %q", DefaultStreamPrefix, cfg.Stream.Prefix)
	}
	if cfg.Stream.MaxFrameBytes != DefaultStreamMaxFrameBytes {
		t.Errorf("Expected default max frame bytes %d, got %d", DefaultStreamMaxFrameBytes, cfg.Stream.MaxFrameBytes)
	}
	if cfg.Interview.MaxRounds != DefaultInterviewMaxRounds {
		t.Errorf("Expected default max rounds %d, got %d", DefaultInterviewMaxRounds, cfg.Interview.MaxRounds)
	}
	if cfg.Interview.Path != DefaultInterviewPath {
		t.Errorf("Expected default interview path %s, got %s", DefaultInterviewPath, cfg.Interview.Path)
	}
	if cfg.Advisory.Path != DefaultAdvisoryPath {
		t.Errorf("Expected default advisory path %s, got %s", DefaultAdvisoryPath, cfg.Advisory.Path)
	}
	if cfg.Store.Backend != DefaultStoreBackend {
		t.Errorf("Expected default store backend %s, got %s", DefaultStoreBackend, cfg.Store.Backend)
	}
	if cfg.Store.LockMaxRetry != DefaultStoreLockMaxRetry {
		t.Errorf("Expected default store lock max retry %d, got %d", DefaultStoreLockMaxRetry, cfg.Store.LockMaxRetry)
	}
	if cfg.Transport.Kind != DefaultTransportKind {
		t.Errorf("Expected default transport %s, got %s", DefaultTransportKind, cfg.Transport.Kind)
	}
}

func TestLoadEnvOverridesNestedKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("THREADLINE_STREAM_MAX_FRAME_BYTES", "1024")
	t.Setenv("THREADLINE_STREAM_TIMEOUT", "5s")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Stream.MaxFrameBytes != 1024 {
		t.Fatalf("expected max frame bytes 1024, got %d", cfg.Stream.MaxFrameBytes)
	}
	if cfg.Stream.Timeout != "5s" {
		t.Fatalf("expected timeout 5s, got %s", cfg.Stream.Timeout)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
server:
  base_url: http://example.test:9000
interview:
  max_rounds: 5
store:
  backend: local
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("failed to load config with --config: %v", err)
	}

	if cfg.Server.BaseURL != "http://example.test:9000" {
		t.Fatalf("expected base url override, got %s", cfg.Server.BaseURL)
	}
	if cfg.Interview.MaxRounds != 5 {
		t.Fatalf("expected max rounds 5, got %d", cfg.Interview.MaxRounds)
	}
	if cfg.Store.Backend != StoreBackendLocal {
		t.Fatalf("expected local backend, got %s", cfg.Store.Backend)
	}
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when --config points to missing file")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("THREADLINE_STORE_BACKEND", "mysql")

	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for unsupported store backend")
	}
}

func TestLoad_ExpandsWorkspacePath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
store:
  workspace_path: ~/.threadline/custom
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	want := filepath.Join(tmpDir, ".threadline", "custom")
	if cfg.Store.WorkspacePath != want {
		t.Fatalf("workspace path = %q, want %q", cfg.Store.WorkspacePath, want)
	}
}

func TestDurationOrDefault(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback string
		want     time.Duration
		wantErr  bool
	}{
		{name: "explicit", value: "2s", fallback: "60s", want: 2 * time.Second},
		{name: "fallback", value: " ", fallback: "60s", want: 60 * time.Second},
		{name: "bare seconds", value: "60", fallback: "", want: 60 * time.Second},
		{name: "empty", value: "", fallback: "", wantErr: true},
		{name: "garbage", value: "soon", fallback: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DurationOrDefault(tt.value, tt.fallback)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
