package config

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the per-project state directory.
const Dir = ".warden"

// Default values for Config.
const (
	DefaultMaxIterations           = 50
	DefaultMaxDurationHours        = 4.0
	DefaultStuckThreshold          = 3
	DefaultMaxTurns                = 200
	DefaultIterationTimeoutMinutes = 60
	DefaultLoopIntervalSeconds     = 2.0
	DefaultSyncAttempts            = 3
	DefaultMaxSyncFailures         = 3
	DefaultLeaseTTLMinutes         = 10
)

// EnvPrefix prefixes every environment override, e.g. WARDEN_LIMITS_MAX_TURNS.
const EnvPrefix = "WARDEN"

// flatEnv maps the short environment names operators are expected to use onto
// config keys. The nested form (WARDEN_LIMITS_...) keeps working as well.
var flatEnv = map[string]string{
	"limits.max_iterations":     "WARDEN_MAX_ITERATIONS",
	"limits.max_duration_hours": "WARDEN_MAX_DURATION_HOURS",
	"limits.stuck_threshold":    "WARDEN_STUCK_THRESHOLD",
}

// DefaultLimits returns limits with default values.
func DefaultLimits() Limits {
	return Limits{
		MaxIterations:           DefaultMaxIterations,
		MaxDurationHours:        DefaultMaxDurationHours,
		StuckThreshold:          DefaultStuckThreshold,
		ResetStuckOnResume:      true,
		MaxTurns:                DefaultMaxTurns,
		IterationTimeoutMinutes: DefaultIterationTimeoutMinutes,
		LoopIntervalSeconds:     DefaultLoopIntervalSeconds,
		SyncAttempts:            DefaultSyncAttempts,
		MaxSyncFailures:         DefaultMaxSyncFailures,
	}
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Limits: DefaultLimits(),
		Lease:  LeaseConfig{TTLMinutes: DefaultLeaseTTLMinutes},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// ConfigPath returns the path of config.yaml under basePath.
func ConfigPath(basePath string) string {
	return filepath.Join(basePath, Dir, "config.yaml")
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("limits.max_iterations", d.Limits.MaxIterations)
	v.SetDefault("limits.max_duration_hours", d.Limits.MaxDurationHours)
	v.SetDefault("limits.stuck_threshold", d.Limits.StuckThreshold)
	v.SetDefault("limits.reset_stuck_on_resume", d.Limits.ResetStuckOnResume)
	v.SetDefault("limits.max_turns", d.Limits.MaxTurns)
	v.SetDefault("limits.iteration_timeout_minutes", d.Limits.IterationTimeoutMinutes)
	v.SetDefault("limits.loop_interval_seconds", d.Limits.LoopIntervalSeconds)
	v.SetDefault("limits.sync_attempts", d.Limits.SyncAttempts)
	v.SetDefault("limits.max_sync_failures", d.Limits.MaxSyncFailures)
	v.SetDefault("lease.ttl_minutes", d.Lease.TTLMinutes)
}

func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flat := range flatEnv {
		nested := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, nested, flat); err != nil {
			return fmt.Errorf("failed to bind %s: %w", flat, err)
		}
	}
	return nil
}

// LoadConfig reads .warden/config.yaml from basePath, applies WARDEN_*
// environment overrides and validates the result. A missing file yields the
// defaults (still subject to environment overrides).
func LoadConfig(basePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	configPath := ConfigPath(basePath)
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveConfig writes cfg to .warden/config.yaml under basePath.
func SaveConfig(basePath string, cfg *Config) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}

	configPath := ConfigPath(basePath)
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ValidateConfig checks that all config values are usable.
func ValidateConfig(cfg *Config) error {
	l := cfg.Limits
	if l.MaxIterations <= 0 {
		return ValidationError{Field: "limits.max_iterations", Message: "must be positive"}
	}
	if l.MaxDurationHours <= 0 {
		return ValidationError{Field: "limits.max_duration_hours", Message: "must be positive"}
	}
	if l.StuckThreshold <= 0 {
		return ValidationError{Field: "limits.stuck_threshold", Message: "must be positive"}
	}
	if l.MaxTurns <= 0 {
		return ValidationError{Field: "limits.max_turns", Message: "must be positive"}
	}
	if l.IterationTimeoutMinutes <= 0 {
		return ValidationError{Field: "limits.iteration_timeout_minutes", Message: "must be positive"}
	}
	if l.LoopIntervalSeconds < 0 {
		return ValidationError{Field: "limits.loop_interval_seconds", Message: "must not be negative"}
	}
	if l.SyncAttempts <= 0 {
		return ValidationError{Field: "limits.sync_attempts", Message: "must be positive"}
	}
	if l.MaxSyncFailures <= 0 {
		return ValidationError{Field: "limits.max_sync_failures", Message: "must be positive"}
	}
	if cfg.Lease.TTLMinutes <= 0 {
		return ValidationError{Field: "lease.ttl_minutes", Message: "must be positive"}
	}
	return nil
}

// ValidateSession checks that the identity fields of a session are present.
func ValidateSession(session *Session) error {
	if session.Repo == "" {
		return ValidationError{Field: "repo", Message: "required field is empty"}
	}
	if session.Branch == "" {
		return ValidationError{Field: "branch", Message: "required field is empty"}
	}
	if session.Environment == "" {
		return ValidationError{Field: "environment", Message: "required field is empty"}
	}
	if session.Status == "" {
		return ValidationError{Field: "status", Message: "required field is empty"}
	}
	return nil
}

// LoadSettings reads the optional .warden/settings.json. It returns nil, nil
// when the file does not exist.
func LoadSettings(basePath string) (*Settings, error) {
	settingsPath := filepath.Join(basePath, Dir, "settings.json")

	data, err := os.ReadFile(settingsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return &settings, nil
}

// LoadEnvFile parses .warden/.sprite.env into a map. The format is KEY=VALUE
// per line; blank lines and lines starting with # are ignored and values may
// be quoted.
func LoadEnvFile(basePath string) (map[string]string, error) {
	envPath := filepath.Join(basePath, Dir, ".sprite.env")

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}
		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return env, nil
}

// Credential resolves a credential from the env file first, then the process
// environment.
func Credential(env map[string]string, key string) string {
	if v := env[key]; v != "" {
		return v
	}
	return os.Getenv(key)
}
