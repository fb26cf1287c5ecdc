package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config represents Ivaldi Graph configuration
type Config struct {
	User  UserConfig  `json:"user"`
	View  ViewConfig  `json:"view"`
	Cache CacheConfig `json:"cache"`
	Log   LogConfig   `json:"log"`
}

// UserConfig holds user identity information
type UserConfig struct {
	Name  string `json:"name"`
	Email string `json:"email" validate:"omitempty,email"`
}

// ViewConfig holds the defaults of views opened by the CLI
type ViewConfig struct {
	CachePolicy      string `json:"cache_policy" validate:"oneof=strong time refcount"`
	CacheTTL         string `json:"cache_ttl" validate:"duration"`
	QueueSize        int    `json:"queue_size" validate:"gte=1,lte=65536"`
	LockTimeout      string `json:"lock_timeout" validate:"duration"`
	PrefetchChunk    int    `json:"prefetch_chunk" validate:"gte=1,lte=10000"`
	AutoReleaseLocks bool   `json:"auto_release_locks"`
}

// CacheConfig sizes the shared revision cache
type CacheConfig struct {
	Revisions int `json:"revisions" validate:"gte=16"`
}

// LogConfig selects the log level
type LogConfig struct {
	Level string `json:"level" validate:"oneof=trace debug info warn error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field against its constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TTL returns view.cache_ttl as a duration
func (c ViewConfig) TTL() time.Duration {
	d, _ := time.ParseDuration(c.CacheTTL)
	return d
}

// Timeout returns view.lock_timeout as a duration
func (c ViewConfig) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.LockTimeout)
	return d
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		View: ViewConfig{
			CachePolicy:   "strong",
			CacheTTL:      "5m",
			QueueSize:     256,
			LockTimeout:   "10s",
			PrefetchChunk: 100,
		},
		Cache: CacheConfig{Revisions: 4096},
		Log:   LogConfig{Level: "warn"},
	}
}

// globalConfigPath returns the path to the global config file
func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".ivaldigraphconfig"), nil
}

// repoConfigPath returns the path to the repository config file
func repoConfigPath() string {
	return filepath.Join(".ivaldigraph", "config")
}

// LoadConfig loads configuration from both global and repository config files.
// Repository config takes precedence over global config.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := globalConfigPath(); err == nil {
		if err := mergeFile(cfg, globalPath); err != nil {
			return nil, err
		}
	}
	if err := mergeFile(cfg, repoConfigPath()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile overlays the JSON file at path on cfg. A missing file is not an error.
func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	// Decoding into the current values keeps every key the file does not mention.
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// SaveGlobalConfig saves configuration to the global config file
func SaveGlobalConfig(cfg *Config) error {
	globalPath, err := globalConfigPath()
	if err != nil {
		return err
	}
	return save(globalPath, cfg)
}

// SaveRepoConfig saves configuration to the repository config file
func SaveRepoConfig(cfg *Config) error {
	return save(repoConfigPath(), cfg)
}

func splitKey(key string) (string, string, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid config key: %s (expected format: section.key)", key)
	}
	return parts[0], parts[1], nil
}

// GetValue retrieves a configuration value by key (e.g., "view.queue_size")
func GetValue(key string) (string, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return "", err
	}
	section, field, err := splitKey(key)
	if err != nil {
		return "", err
	}

	switch section {
	case "user":
		switch field {
		case "name":
			return cfg.User.Name, nil
		case "email":
			return cfg.User.Email, nil
		}
	case "view":
		switch field {
		case "cache_policy":
			return cfg.View.CachePolicy, nil
		case "cache_ttl":
			return cfg.View.CacheTTL, nil
		case "queue_size":
			return strconv.Itoa(cfg.View.QueueSize), nil
		case "lock_timeout":
			return cfg.View.LockTimeout, nil
		case "prefetch_chunk":
			return strconv.Itoa(cfg.View.PrefetchChunk), nil
		case "auto_release_locks":
			return strconv.FormatBool(cfg.View.AutoReleaseLocks), nil
		}
	case "cache":
		if field == "revisions" {
			return strconv.Itoa(cfg.Cache.Revisions), nil
		}
	case "log":
		if field == "level" {
			return cfg.Log.Level, nil
		}
	default:
		return "", fmt.Errorf("unknown config section: %s", section)
	}
	return "", fmt.Errorf("unknown %s config field: %s", section, field)
}

// SetValue sets a configuration value by key and saves the global or repository file.
// Only keys that were set explicitly are written, so a repository file never masks global
// values it does not mention.
func SetValue(key, value string, global bool) error {
	path := repoConfigPath()
	if global {
		p, err := globalConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg := DefaultConfig()
	if err := mergeFile(cfg, path); err != nil {
		return err
	}
	if err := apply(cfg, key, value); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	raw := make(map[string]map[string]json.RawMessage)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	var all map[string]map[string]json.RawMessage
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	section, field, _ := splitKey(key)
	if raw[section] == nil {
		raw[section] = make(map[string]json.RawMessage)
	}
	raw[section][field] = all[section][field]

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, out, 0644)
}

func apply(cfg *Config, key, value string) error {
	section, field, err := splitKey(key)
	if err != nil {
		return err
	}
	atoi := func(dst *int) error {
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	switch section {
	case "user":
		switch field {
		case "name":
			cfg.User.Name = value
			return nil
		case "email":
			cfg.User.Email = value
			return nil
		}
	case "view":
		switch field {
		case "cache_policy":
			cfg.View.CachePolicy = value
			return nil
		case "cache_ttl":
			cfg.View.CacheTTL = value
			return nil
		case "queue_size":
			return atoi(&cfg.View.QueueSize)
		case "lock_timeout":
			cfg.View.LockTimeout = value
			return nil
		case "prefetch_chunk":
			return atoi(&cfg.View.PrefetchChunk)
		case "auto_release_locks":
			cfg.View.AutoReleaseLocks = value == "true"
			return nil
		}
	case "cache":
		if field == "revisions" {
			return atoi(&cfg.Cache.Revisions)
		}
	case "log":
		if field == "level" {
			cfg.Log.Level = value
			return nil
		}
	default:
		return fmt.Errorf("unknown config section: %s", section)
	}
	return fmt.Errorf("unknown %s config field: %s", section, field)
}

// GetAuthor returns the formatted author string "Name <email>", or "" when no identity is set
func GetAuthor(cfg *Config) string {
	switch {
	case cfg.User.Name == "":
		return cfg.User.Email
	case cfg.User.Email == "":
		return cfg.User.Name
	}
	return fmt.Sprintf("%s <%s>", cfg.User.Name, cfg.User.Email)
}
