package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strandproxy/strand/internal/routing"
)

const (
	defaultGatewayListen = "0.0.0.0:8443"
	defaultAdminListen   = "127.0.0.1:7070"
	defaultStateDir      = "~/.strand"

	defaultMaxTextMessageSize   = 32768
	defaultMaxBinaryMessageSize = 32768
	defaultMaxTextBufferSize    = 32768
	defaultMaxBinaryBufferSize  = 32768
	defaultInputBufferSize      = 4096
	defaultWriteTimeout         = 10 * time.Second
	defaultIdleTimeout          = 5 * time.Minute
)

// Config captures runtime settings for the strand gateway daemon.
type Config struct {
	GatewayListen string
	AdminListen   string
	StateDir      string
	DatabasePath  string
	APIKey        string

	// Enabled gates the WebSocket gateway; when false, upgrade requests
	// are rejected without resolution.
	Enabled bool

	Params routing.ConnParams
}

// FromEnv loads configuration using environment variables with defaults.
func FromEnv() (Config, error) {
	cfg := Config{
		GatewayListen: getenv("STRAND_GATEWAY_LISTEN", defaultGatewayListen),
		AdminListen:   getenv("STRAND_ADMIN_LISTEN", defaultAdminListen),
		StateDir:      expandPath(getenv("STRAND_STATE_DIR", defaultStateDir)),
		DatabasePath:  expandPath(getenv("STRAND_DB_PATH", "")),
		APIKey:        strings.TrimSpace(os.Getenv("STRAND_API_KEY")),
	}

	var err error
	if cfg.Enabled, err = getbool("STRAND_GATEWAY_ENABLED", true); err != nil {
		return Config{}, err
	}

	if cfg.GatewayListen = strings.TrimSpace(cfg.GatewayListen); cfg.GatewayListen == "" {
		return Config{}, fmt.Errorf("gateway listen address required")
	}
	if cfg.AdminListen = strings.TrimSpace(cfg.AdminListen); cfg.AdminListen == "" {
		return Config{}, fmt.Errorf("admin listen address required")
	}
	if cfg.StateDir == "" {
		return Config{}, fmt.Errorf("state directory required")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.StateDir, "topologies.db")
	}

	params := routing.ConnParams{}
	if params.MaxTextMessageSize, err = getint64("STRAND_MAX_TEXT_MESSAGE_SIZE", defaultMaxTextMessageSize); err != nil {
		return Config{}, err
	}
	if params.MaxBinaryMessageSize, err = getint64("STRAND_MAX_BINARY_MESSAGE_SIZE", defaultMaxBinaryMessageSize); err != nil {
		return Config{}, err
	}
	var n int64
	if n, err = getint64("STRAND_MAX_TEXT_BUFFER_SIZE", defaultMaxTextBufferSize); err != nil {
		return Config{}, err
	}
	params.MaxTextBufferSize = int(n)
	if n, err = getint64("STRAND_MAX_BINARY_BUFFER_SIZE", defaultMaxBinaryBufferSize); err != nil {
		return Config{}, err
	}
	params.MaxBinaryBufferSize = int(n)
	if n, err = getint64("STRAND_INPUT_BUFFER_SIZE", defaultInputBufferSize); err != nil {
		return Config{}, err
	}
	params.InputBufferSize = int(n)
	if params.WriteTimeout, err = getduration("STRAND_WRITE_TIMEOUT", defaultWriteTimeout); err != nil {
		return Config{}, err
	}
	if params.IdleTimeout, err = getduration("STRAND_IDLE_TIMEOUT", defaultIdleTimeout); err != nil {
		return Config{}, err
	}
	cfg.Params = params

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func getint64(key string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return v, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
