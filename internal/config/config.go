package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server" json:"server"`
	Stream    StreamConfig    `koanf:"stream" yaml:"stream" json:"stream"`
	Interview ModeConfig      `koanf:"interview" yaml:"interview" json:"interview"`
	Advisory  ModeConfig      `koanf:"advisory" yaml:"advisory" json:"advisory"`
	Store     StoreConfig     `koanf:"store" yaml:"store" json:"store"`
	Transport TransportConfig `koanf:"transport" yaml:"transport" json:"transport"`
}

type ServerConfig struct {
	BaseURL       string `koanf:"base_url" yaml:"base_url" json:"base_url"`
	User          string `koanf:"user" yaml:"user" json:"user"`
	LogLevel      string `koanf:"log_level" yaml:"log_level" json:"log_level"`
	HeaderTimeout string `koanf:"header_timeout" yaml:"header_timeout" json:"header_timeout"`
}

type StreamConfig struct {
	Prefix        string `koanf:"prefix" yaml:"prefix" json:"prefix"`
	Timeout       string `koanf:"timeout" yaml:"timeout" json:"timeout"`
	ReadBuffer    int    `koanf:"read_buffer" yaml:"read_buffer" json:"read_buffer"`
	MaxFrameBytes int    `koanf:"max_frame_bytes" yaml:"max_frame_bytes" json:"max_frame_bytes"`
}

// ModeConfig holds the endpoint prefix of one conversation mode.
type ModeConfig struct {
	Path      string `koanf:"path" yaml:"path" json:"path"`
	MaxRounds int    `koanf:"max_rounds" yaml:"max_rounds" json:"max_rounds"`
}

type StoreConfig struct {
	Backend       string `koanf:"backend" yaml:"backend" json:"backend"`
	WorkspacePath string `koanf:"workspace_path" yaml:"workspace_path" json:"workspace_path"`
	LockTimeout   string `koanf:"lock_timeout" yaml:"lock_timeout" json:"lock_timeout"`
	LockRetry     string `koanf:"lock_retry" yaml:"lock_retry" json:"lock_retry"`
	LockMaxRetry  int    `koanf:"lock_max_retry" yaml:"lock_max_retry" json:"lock_max_retry"`
	InboxSize     int    `koanf:"inbox_size" yaml:"inbox_size" json:"inbox_size"`
}

type TransportConfig struct {
	Kind         string `koanf:"kind" yaml:"kind" json:"kind"`
	WebSocketURL string `koanf:"websocket_url" yaml:"websocket_url" json:"websocket_url"`
}

const (
	StoreBackendRemote = "remote"
	StoreBackendLocal  = "local"
	TransportHTTP      = "http"
	TransportWebSocket = "ws"
)

const (
	DefaultServerBaseURL       = "http://localhost:8000"
	DefaultServerUser          = ""
	DefaultServerLogLevel      = "info"
	DefaultServerHeaderTimeout = "30s"
	DefaultStreamPrefix        = "data:"
	DefaultStreamTimeout       = "60s"
	DefaultStreamReadBuffer    = 4096
	DefaultStreamMaxFrameBytes = 8 << 20
	DefaultInterviewPath       = "/api/interview"
	DefaultInterviewMaxRounds  = 3
	DefaultAdvisoryPath        = "/api/customer-service"
	DefaultStoreBackend        = StoreBackendRemote
	DefaultStoreLockTimeout    = "10s"
	DefaultStoreLockRetry      = "100ms"
	DefaultStoreLockMaxRetry   = 100
	DefaultStoreInboxSize      = 64
	DefaultTransportKind       = TransportHTTP
	EnvPrefix                  = "THREADLINE_"
	DefaultConfigDir           = ".threadline"
	DefaultConfigFile          = "config.yaml"
)

var sections = []string{"server", "stream", "interview", "advisory", "store", "transport"}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.base_url":         DefaultServerBaseURL,
		"server.user":             DefaultServerUser,
		"server.log_level":        DefaultServerLogLevel,
		"server.header_timeout":   DefaultServerHeaderTimeout,
		"stream.prefix":           DefaultStreamPrefix,
		"stream.timeout":          DefaultStreamTimeout,
		"stream.read_buffer":      DefaultStreamReadBuffer,
		"stream.max_frame_bytes":  DefaultStreamMaxFrameBytes,
		"interview.path":          DefaultInterviewPath,
		"interview.max_rounds":    DefaultInterviewMaxRounds,
		"advisory.path":           DefaultAdvisoryPath,
		"advisory.max_rounds":     0,
		"store.backend":           DefaultStoreBackend,
		"store.workspace_path":    filepath.Join(os.Getenv("HOME"), DefaultConfigDir, "workspaces"),
		"store.lock_timeout":      DefaultStoreLockTimeout,
		"store.lock_retry":        DefaultStoreLockRetry,
		"store.lock_max_retry":    DefaultStoreLockMaxRetry,
		"store.inbox_size":        DefaultStoreInboxSize,
		"transport.kind":          DefaultTransportKind,
		"transport.websocket_url": "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider(EnvPrefix, ".", envKey), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.User == "" {
		cfg.Server.User = currentUserName()
	}

	workspacePath, err := expandPath(cfg.Store.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if workspacePath != "" {
		cfg.Store.WorkspacePath = workspacePath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendRemote, StoreBackendLocal:
	default:
		return fmt.Errorf("unsupported store backend %q (supported: remote, local)", c.Store.Backend)
	}
	switch c.Transport.Kind {
	case TransportHTTP, TransportWebSocket:
	default:
		return fmt.Errorf("unsupported transport %q (supported: http, ws)", c.Transport.Kind)
	}
	if c.Interview.MaxRounds < 0 {
		return fmt.Errorf("interview.max_rounds must not be negative")
	}
	if strings.TrimSpace(c.Stream.Prefix) == "" {
		return fmt.Errorf("stream.prefix must not be empty")
	}
	return nil
}

// envKey maps THREADLINE_STREAM_MAX_FRAME_BYTES to stream.max_frame_bytes.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

// DurationOrDefault parses a duration and falls back to defaultValue when empty.
// A bare integer is read as seconds.
func DurationOrDefault(value string, defaultValue string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(defaultValue)
	}
	if candidate == "" {
		return 0, fmt.Errorf("duration value is empty")
	}

	if secs, err := strconv.Atoi(candidate); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("duration %q is negative", candidate)
		}
		return time.Duration(secs) * time.Second, nil
	}

	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(expanded, "~"), "/"))
	}

	return filepath.Clean(expanded), nil
}

func currentUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
