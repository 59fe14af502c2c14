package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	EnvDB          = "CONVARCHIVE_DB"
	EnvListen      = "CONVARCHIVE_LISTEN"
	EnvLogLevel    = "CONVARCHIVE_LOG_LEVEL"
	EnvInbox       = "CONVARCHIVE_INBOX"
	EnvOpenTimeout = "CONVARCHIVE_OPEN_TIMEOUT"
)

type Config struct {
	DB             string        `yaml:"db"`
	Listen         string        `yaml:"listen"`
	LogLevel       string        `yaml:"log_level"`
	Inbox          string        `yaml:"inbox"`
	OpenTimeout    time.Duration `yaml:"open_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

func Default() Config {
	return Config{
		DB:          "bolt://" + filepath.Join(dataDir(), "archive.db"),
		Listen:      "127.0.0.1:7345",
		LogLevel:    "info",
		OpenTimeout: time.Second,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/convarchive/config.yaml or its platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".convarchive", "config.yaml")
	}
	return filepath.Join(dir, "convarchive", "config.yaml")
}

// Load layers the config file over the defaults and the environment over
// both. A missing file is only an error when required is set.
func Load(path string, required bool, logger *log.Logger) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	applyEnv(&cfg, logger)
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, logger *log.Logger) {
	cfg.DB = stringEnv(EnvDB, cfg.DB)
	cfg.Listen = stringEnv(EnvListen, cfg.Listen)
	cfg.LogLevel = stringEnv(EnvLogLevel, cfg.LogLevel)
	cfg.Inbox = stringEnv(EnvInbox, cfg.Inbox)
	cfg.OpenTimeout = durationEnv(logger, EnvOpenTimeout, cfg.OpenTimeout)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationEnv(logger *log.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		if logger != nil {
			logger.Warn("invalid duration, using fallback", "env", name, "value", raw, "fallback", fallback.String())
		}
		return fallback
	}
	return value
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "convarchive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convarchive"
	}
	return filepath.Join(home, ".local", "share", "convarchive")
}
