package llmgateway

import (
	"fmt"
	"os"
	"time"
)

// Tier names a quality/speed class of provider preset, used to pick a
// cheaper secondary model for the Reasoner's ensemble mode without spelling
// out a full Config by hand in configuration.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierElite    Tier = "elite"
)

// Preset is a curated (provider, model, base URL) triple plus the env var
// its API key is read from.
type Preset struct {
	Name       string
	Provider   string
	Model      string
	BaseURL    string
	APIKeyEnv  string
	Tier       Tier
	AvgLatency time.Duration
}

// presets mirrors the curated tier table the ensemble-mode config keys
// (`ensemble_providers`) select from by name.
var presets = map[string]Preset{
	"openai-fast": {
		Name: "openai-fast", Provider: "openai", Model: "gpt-4o-mini",
		BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY",
		Tier: TierFast, AvgLatency: 2 * time.Second,
	},
	"openai-balanced": {
		Name: "openai-balanced", Provider: "openai", Model: "gpt-4o",
		BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY",
		Tier: TierBalanced, AvgLatency: 5 * time.Second,
	},
	"anthropic-balanced": {
		Name: "anthropic-balanced", Provider: "anthropic", Model: "claude-sonnet-4-20250514",
		BaseURL: "https://api.anthropic.com/v1", APIKeyEnv: "ANTHROPIC_API_KEY",
		Tier: TierBalanced, AvgLatency: 5 * time.Second,
	},
	"anthropic-elite": {
		Name: "anthropic-elite", Provider: "anthropic", Model: "claude-opus-4-20250514",
		BaseURL: "https://api.anthropic.com/v1", APIKeyEnv: "ANTHROPIC_API_KEY",
		Tier: TierElite, AvgLatency: 10 * time.Second,
	},
	"openrouter-cheap": {
		Name: "openrouter-cheap", Provider: "openai", Model: "gemini-2.5-flash-lite",
		BaseURL: "https://openrouter.ai/api/v1", APIKeyEnv: "OPENROUTER_API_KEY",
		Tier: TierFast, AvgLatency: 1500 * time.Millisecond,
	},
	"ollama-local": {
		Name: "ollama-local", Provider: "ollama", Model: "llama3.2",
		BaseURL: "http://localhost:11434", APIKeyEnv: "",
		Tier: TierFast, AvgLatency: 3 * time.Second,
	},
}

// ResolvePreset builds a Gateway Config from a named preset plus whatever
// outbound-throttle and breaker settings the caller supplies. The API key is
// read from the preset's env var at resolve time.
func ResolvePreset(name string, base Config) (Config, error) {
	p, ok := presets[name]
	if !ok {
		return Config{}, fmt.Errorf("llmgateway: unknown preset %q", name)
	}
	cfg := base
	cfg.Name = p.Name
	cfg.Provider = p.Provider
	cfg.Model = p.Model
	cfg.BaseURL = p.BaseURL
	if p.APIKeyEnv != "" {
		cfg.APIKey = os.Getenv(p.APIKeyEnv)
	}
	return cfg, nil
}
