// Package config handles loading and validating the models.yaml provider
// catalog. The daemon runs with a built-in default catalog when no file is
// present.
package config

import (
	"fmt"
	"os"

	"github.com/attractor-dev/attractor/internal/domain"
	"gopkg.in/yaml.v3"
)

// Catalog is the top-level models.yaml configuration: which model providers
// exist, which models they serve, and the defaults applied when a graph does
// not pin its own.
type Catalog struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Defaults  Defaults                  `yaml:"defaults"`
}

// ProviderConfig describes one model provider.
type ProviderConfig struct {
	// APIKeyEnv names the environment variable carrying the provider secret.
	APIKeyEnv string        `yaml:"api_key_env"`
	Models    []ModelConfig `yaml:"models"`
}

// ModelConfig describes one model a provider serves.
type ModelConfig struct {
	ID        string `yaml:"id"`
	MaxTokens int    `yaml:"max_tokens"` // upper bound; 0 means provider default
}

// Defaults are applied when run/model configuration leaves fields unset.
type Defaults struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// DefaultCatalog returns the built-in catalog used when no models.yaml exists.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Providers: map[string]ProviderConfig{
			"anthropic": {
				APIKeyEnv: "ANTHROPIC_API_KEY",
				Models: []ModelConfig{
					{ID: "claude-sonnet-4-5", MaxTokens: 64000},
					{ID: "claude-opus-4-1", MaxTokens: 32000},
					{ID: "claude-haiku-4-5", MaxTokens: 64000},
				},
			},
			"openai": {
				APIKeyEnv: "OPENAI_API_KEY",
				Models: []ModelConfig{
					{ID: "gpt-5", MaxTokens: 128000},
					{ID: "gpt-5-mini", MaxTokens: 128000},
				},
			},
		},
		Defaults: Defaults{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
	}
}

// Load parses a models.yaml file and validates it. If path is empty, the
// built-in defaults are returned.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// ResolvePath finds the catalog file path.
// Priority: ATTRACTOR_MODELS env var > ./models.yaml > "" (built-in defaults).
func ResolvePath() string {
	if p := os.Getenv("ATTRACTOR_MODELS"); p != "" {
		return p
	}
	if _, err := os.Stat("models.yaml"); err == nil {
		return "models.yaml"
	}
	return ""
}

func (c *Catalog) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("catalog: at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.APIKeyEnv == "" {
			return fmt.Errorf("catalog: provider %q: api_key_env is required", name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("catalog: provider %q: at least one model is required", name)
		}
		for _, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("catalog: provider %q: model id is required", name)
			}
		}
	}
	if c.Defaults.Provider != "" && !c.HasModel(c.Defaults.Provider, c.Defaults.Model) {
		return fmt.Errorf("catalog: default model %s/%s is not in the catalog",
			c.Defaults.Provider, c.Defaults.Model)
	}
	return nil
}

// HasProvider reports whether the catalog knows the provider.
func (c *Catalog) HasProvider(provider string) bool {
	_, ok := c.Providers[provider]
	return ok
}

// HasModel reports whether the catalog knows the (provider, model) pair.
func (c *Catalog) HasModel(provider, model string) bool {
	p, ok := c.Providers[provider]
	if !ok {
		return false
	}
	for _, m := range p.Models {
		if m.ID == model {
			return true
		}
	}
	return false
}

// MaxTokensFor returns the configured token ceiling for a model, falling
// back to the catalog default.
func (c *Catalog) MaxTokensFor(provider, model string) int {
	if p, ok := c.Providers[provider]; ok {
		for _, m := range p.Models {
			if m.ID == model && m.MaxTokens > 0 {
				return m.MaxTokens
			}
		}
	}
	return c.Defaults.MaxTokens
}

// SecretPresent reports whether the provider's API key is available in the
// environment. Run creation requires an effective secret for the pinned
// provider.
func (c *Catalog) SecretPresent(provider string) bool {
	p, ok := c.Providers[provider]
	if !ok {
		return false
	}
	return os.Getenv(p.APIKeyEnv) != ""
}

// ValidateModelConfig checks a run's pinned model configuration against the
// catalog: known provider and model, fallbacks known, numeric fields in range.
func (c *Catalog) ValidateModelConfig(mc domain.ModelConfig) error {
	if mc.Provider == "" || mc.Model == "" {
		return domain.E(domain.KindValidation, "model config requires provider and model")
	}
	if !c.HasProvider(mc.Provider) {
		return domain.E(domain.KindValidation, "unknown provider %q", mc.Provider)
	}
	if !c.HasModel(mc.Provider, mc.Model) {
		return domain.E(domain.KindValidation, "unknown model %q for provider %q", mc.Model, mc.Provider)
	}
	for _, fb := range mc.FallbackModels {
		if !c.HasModel(mc.Provider, fb) {
			return domain.E(domain.KindValidation, "unknown fallback model %q for provider %q", fb, mc.Provider)
		}
	}
	if mc.Temperature != nil && (*mc.Temperature < 0 || *mc.Temperature > 2) {
		return domain.E(domain.KindValidation, "temperature %v out of range [0, 2]", *mc.Temperature)
	}
	if mc.MaxTokens != nil {
		if *mc.MaxTokens <= 0 {
			return domain.E(domain.KindValidation, "max_tokens must be positive")
		}
		if ceiling := c.MaxTokensFor(mc.Provider, mc.Model); *mc.MaxTokens > ceiling {
			return domain.E(domain.KindValidation, "max_tokens %d exceeds model ceiling %d", *mc.MaxTokens, ceiling)
		}
	}
	return nil
}
