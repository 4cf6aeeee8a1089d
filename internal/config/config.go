// Package config loads impulsed.yaml plus environment overrides into a
// validated, immutable settings struct, following the pack's yaml.v3 +
// env-override idiom for configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/impulseguard/impulsed/internal/scoring"
)

// Config is the daemon's fully-resolved, validated configuration.
type Config struct {
	MemoryDir          string  `yaml:"memory_dir"`
	LLMCredentialsPath string  `yaml:"llm_credentials_path"`
	LLMPrimaryPreset   string  `yaml:"llm_primary_preset"`
	PriorP             float64 `yaml:"prior_p"`
	WeightProfile      string  `yaml:"weight_profile"`

	RefinementThreshold               int `yaml:"refinement_threshold"`
	ConsolidationSizeThreshold        int `yaml:"consolidation_size_threshold"`
	ConsolidationObservationThreshold int `yaml:"consolidation_observation_threshold"`

	HTTPAddr       string        `yaml:"http_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LLMRateLimitRPS            float64       `yaml:"llm_rate_limit_rps"`
	LLMRateLimitBurst          int           `yaml:"llm_rate_limit_burst"`
	LLMBreakerFailureThreshold uint32        `yaml:"llm_breaker_failure_threshold"`
	LLMBreakerCooldown         time.Duration `yaml:"llm_breaker_cooldown"`

	LogLevel string `yaml:"log_level"`

	EnsembleProviders []string `yaml:"ensemble_providers"`
}

// rawConfig mirrors Config's yaml shape with duration fields as strings, so
// "90s"-style values parse via time.ParseDuration instead of yaml's default
// nanosecond-integer encoding.
type rawConfig struct {
	MemoryDir                         string   `yaml:"memory_dir"`
	LLMCredentialsPath                string   `yaml:"llm_credentials_path"`
	LLMPrimaryPreset                  string   `yaml:"llm_primary_preset"`
	PriorP                            float64  `yaml:"prior_p"`
	WeightProfile                     string   `yaml:"weight_profile"`
	RefinementThreshold               int      `yaml:"refinement_threshold"`
	ConsolidationSizeThreshold        int      `yaml:"consolidation_size_threshold"`
	ConsolidationObservationThreshold int      `yaml:"consolidation_observation_threshold"`
	HTTPAddr                          string   `yaml:"http_addr"`
	RequestTimeout                    string   `yaml:"request_timeout"`
	LLMRateLimitRPS                   float64  `yaml:"llm_rate_limit_rps"`
	LLMRateLimitBurst                 int      `yaml:"llm_rate_limit_burst"`
	LLMBreakerFailureThreshold        uint32   `yaml:"llm_breaker_failure_threshold"`
	LLMBreakerCooldown                string   `yaml:"llm_breaker_cooldown"`
	LogLevel                          string   `yaml:"log_level"`
	EnsembleProviders                 []string `yaml:"ensemble_providers"`
}

// Default returns the default configuration. No LLM credentials are
// configured, so the daemon runs in degraded (fast-stage-only) mode unless a
// credentials path is supplied. MemoryDir is left empty, so the defaults alone
// do not validate: memory_dir must come from the file or IMPULSED_MEMORY_DIR.
func Default() Config {
	return Config{
		LLMPrimaryPreset:                  "anthropic-balanced",
		PriorP:                            scoring.DefaultPrior,
		WeightProfile:                     string(scoring.ProfileBehaviorOnly),
		RefinementThreshold:               7,
		ConsolidationSizeThreshold:        2048,
		ConsolidationObservationThreshold: 10,
		HTTPAddr:                          ":8080",
		RequestTimeout:                    90 * time.Second,
		LLMRateLimitRPS:                   2.0,
		LLMRateLimitBurst:                 3,
		LLMBreakerFailureThreshold:        5,
		LLMBreakerCooldown:                30 * time.Second,
		LogLevel:                          "info",
	}
}

// Load reads path (if it exists), overlays it onto Default(), applies
// environment variable overrides, and validates the result. A missing path
// is not an error; validation still requires memory_dir, which then has to
// come from IMPULSED_MEMORY_DIR.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var raw rawConfig
			if err := yaml.Unmarshal(b, &raw); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
			overlay(&cfg, raw)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg *Config, raw rawConfig) {
	if raw.MemoryDir != "" {
		cfg.MemoryDir = raw.MemoryDir
	}
	if raw.LLMCredentialsPath != "" {
		cfg.LLMCredentialsPath = raw.LLMCredentialsPath
	}
	if raw.LLMPrimaryPreset != "" {
		cfg.LLMPrimaryPreset = raw.LLMPrimaryPreset
	}
	if raw.PriorP != 0 {
		cfg.PriorP = raw.PriorP
	}
	if raw.WeightProfile != "" {
		cfg.WeightProfile = raw.WeightProfile
	}
	if raw.RefinementThreshold != 0 {
		cfg.RefinementThreshold = raw.RefinementThreshold
	}
	if raw.ConsolidationSizeThreshold != 0 {
		cfg.ConsolidationSizeThreshold = raw.ConsolidationSizeThreshold
	}
	if raw.ConsolidationObservationThreshold != 0 {
		cfg.ConsolidationObservationThreshold = raw.ConsolidationObservationThreshold
	}
	if raw.HTTPAddr != "" {
		cfg.HTTPAddr = raw.HTTPAddr
	}
	if d, err := time.ParseDuration(raw.RequestTimeout); err == nil && raw.RequestTimeout != "" {
		cfg.RequestTimeout = d
	}
	if raw.LLMRateLimitRPS != 0 {
		cfg.LLMRateLimitRPS = raw.LLMRateLimitRPS
	}
	if raw.LLMRateLimitBurst != 0 {
		cfg.LLMRateLimitBurst = raw.LLMRateLimitBurst
	}
	if raw.LLMBreakerFailureThreshold != 0 {
		cfg.LLMBreakerFailureThreshold = raw.LLMBreakerFailureThreshold
	}
	if d, err := time.ParseDuration(raw.LLMBreakerCooldown); err == nil && raw.LLMBreakerCooldown != "" {
		cfg.LLMBreakerCooldown = d
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if len(raw.EnsembleProviders) > 0 {
		cfg.EnsembleProviders = raw.EnsembleProviders
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IMPULSED_MEMORY_DIR"); v != "" {
		cfg.MemoryDir = v
	}
	if v := os.Getenv("IMPULSED_LLM_CREDENTIALS_PATH"); v != "" {
		cfg.LLMCredentialsPath = v
	}
	if v := os.Getenv("IMPULSED_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("IMPULSED_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IMPULSED_PRIOR_P"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PriorP = f
		}
	}
}

func validate(cfg Config) error {
	if cfg.MemoryDir == "" {
		return fmt.Errorf("config: memory_dir is required")
	}
	if cfg.PriorP <= 0 || cfg.PriorP >= 1 {
		return fmt.Errorf("config: prior_p must be in (0,1), got %v", cfg.PriorP)
	}
	switch scoring.WeightProfile(cfg.WeightProfile) {
	case scoring.ProfileBehaviorOnly, scoring.ProfileFullBiometric:
	default:
		return fmt.Errorf("config: weight_profile must be behavior_only or full_biometric, got %q", cfg.WeightProfile)
	}
	return nil
}
