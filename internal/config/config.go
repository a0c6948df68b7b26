package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-warden/internal/otel"
)

// Unrecognized-decision policies for resuming a suspended query.
const (
	DecisionPolicyAll         = "all"
	DecisionPolicyKeepDefault = "keep_default"
	DecisionPolicyReject      = "reject"
)

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DataDBPath is the sqlite file served to read queries. Empty derives
	// <home>/data.db.
	DataDBPath string `yaml:"data_db_path"`

	// ControlDBPath is the sqlite file holding pending confirmations, query
	// history and the audit log. Empty derives <home>/gowarden.db.
	ControlDBPath string `yaml:"control_db_path"`

	// DefaultRowCap is the row cap offered when a listing query is not
	// explicitly limited. Zero or absent takes the default; a negative
	// value disables the cap and lets every query run unbounded.
	DefaultRowCap int `yaml:"default_row_cap"`

	// ConfirmationTTLMinutes bounds how long a suspended query may wait for
	// a decision before the sweeper expires its token.
	ConfirmationTTLMinutes int `yaml:"confirmation_ttl_minutes"`

	// SweepSchedule is a 5-field cron expression for the expiry sweeper.
	SweepSchedule string `yaml:"sweep_schedule"`

	// UnrecognizedDecision picks how an unparseable resume decision is
	// treated: "all", "keep_default", or "reject".
	UnrecognizedDecision string `yaml:"unrecognized_decision"`

	OTel otel.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// DataDB returns the effective data store path.
func (c Config) DataDB() string {
	if c.DataDBPath != "" {
		return c.DataDBPath
	}
	return filepath.Join(c.HomeDir, "data.db")
}

// ControlDB returns the effective control store path.
func (c Config) ControlDB() string {
	if c.ControlDBPath != "" {
		return c.ControlDBPath
	}
	return filepath.Join(c.HomeDir, "gowarden.db")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|cap=%d|ttl=%d|sweep=%s|unrec=%s",
		c.BindAddr, c.LogLevel, c.DefaultRowCap, c.ConfirmationTTLMinutes,
		c.SweepSchedule, c.UnrecognizedDecision)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		DefaultRowCap:          20,
		ConfirmationTTLMinutes: 60,
		SweepSchedule:          "*/5 * * * *",
		UnrecognizedDecision:   DecisionPolicyAll,
	}
}

func HomeDir() string {
	if override := os.Getenv("GOWARDEN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gowarden")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gowarden home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	// Zero means unset. Negative is an explicit "no cap" and passes through.
	if cfg.DefaultRowCap == 0 {
		cfg.DefaultRowCap = 20
	}
	if cfg.ConfirmationTTLMinutes <= 0 {
		cfg.ConfirmationTTLMinutes = 60
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "*/5 * * * *"
	}
	if cfg.UnrecognizedDecision == "" {
		cfg.UnrecognizedDecision = DecisionPolicyAll
	}
}

func validate(cfg *Config) error {
	switch cfg.UnrecognizedDecision {
	case DecisionPolicyAll, DecisionPolicyKeepDefault, DecisionPolicyReject:
	default:
		return fmt.Errorf("unrecognized_decision %q: must be all, keep_default, or reject", cfg.UnrecognizedDecision)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOWARDEN_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GOWARDEN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOWARDEN_DATA_DB"); raw != "" {
		cfg.DataDBPath = raw
	}
	if raw := os.Getenv("GOWARDEN_CONTROL_DB"); raw != "" {
		cfg.ControlDBPath = raw
	}
	if raw := os.Getenv("GOWARDEN_DEFAULT_ROW_CAP"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DefaultRowCap = v
		}
	}
	if raw := os.Getenv("GOWARDEN_CONFIRMATION_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ConfirmationTTLMinutes = v
		}
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetDefaultRowCap updates default_row_cap in config.yaml, preserving other settings.
func SetDefaultRowCap(homeDir string, cap int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["default_row_cap"] = cap
	return saveRawConfig(configPath, raw)
}

// SetUnrecognizedDecision updates unrecognized_decision in config.yaml, preserving other settings.
func SetUnrecognizedDecision(homeDir, policy string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["unrecognized_decision"] = policy
	return saveRawConfig(configPath, raw)
}
