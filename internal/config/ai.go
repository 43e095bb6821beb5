package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/floegence/skillhub/internal/llm"
)

// AIConfig configures the optional analysis and advisor collaborators.
//
// Notes:
//   - API keys are never stored in this config. Each provider names the environment variable
//     holding its key (api_key_env); `.env` in the working directory is loaded first.
//   - With no active provider both collaborators report unavailable and runs continue without them.
type AIConfig struct {
	// ActiveProvider is the providers[].id used for analysis and advice. Empty disables AI.
	ActiveProvider string       `yaml:"active_provider,omitempty"`
	Providers      []AIProvider `yaml:"providers,omitempty"`
}

type AIProvider struct {
	// ID is a stable internal id. Cached analyses are labelled with it.
	ID string `yaml:"id"`

	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the provider endpoint (example: "https://api.openai.com/v1").
	// Required for openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	Model       string  `yaml:"model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int64   `yaml:"max_tokens,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty"`
}

func (c *AIConfig) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := c.Providers[i]
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("providers[%d]: missing id", i)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("providers[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}

		t := strings.TrimSpace(p.Type)
		switch t {
		case llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderOpenAICompatible:
		default:
			return fmt.Errorf("providers[%d]: invalid type %q", i, t)
		}

		baseURL := strings.TrimSpace(p.BaseURL)
		if t == llm.ProviderOpenAICompatible && baseURL == "" {
			return fmt.Errorf("providers[%d]: base_url is required for openai_compatible", i)
		}
		if baseURL != "" {
			u, err := url.Parse(baseURL)
			if err != nil || u == nil {
				return fmt.Errorf("providers[%d]: invalid base_url: %w", i, err)
			}
			scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
			if scheme != "http" && scheme != "https" {
				return fmt.Errorf("providers[%d]: invalid base_url scheme %q", i, u.Scheme)
			}
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("providers[%d]: invalid base_url host", i)
			}
		}
		if strings.TrimSpace(p.Model) == "" {
			return fmt.Errorf("providers[%d]: missing model", i)
		}
		if strings.TrimSpace(p.APIKeyEnv) == "" {
			return fmt.Errorf("providers[%d]: missing api_key_env", i)
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("providers[%d]: max_tokens must not be negative", i)
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("providers[%d]: temperature %v out of range [0,2]", i, p.Temperature)
		}
	}
	if active := strings.TrimSpace(c.ActiveProvider); active != "" {
		if _, ok := seen[active]; !ok {
			return fmt.Errorf("active_provider %q is not configured", active)
		}
	}
	return nil
}

// Active returns the active provider, if any.
func (c *AIConfig) Active() (AIProvider, bool) {
	if c == nil {
		return AIProvider{}, false
	}
	active := strings.TrimSpace(c.ActiveProvider)
	if active == "" {
		return AIProvider{}, false
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == active {
			return p, true
		}
	}
	return AIProvider{}, false
}

// ErrNoAPIKey reports an active provider whose key variable is unset.
var ErrNoAPIKey = errors.New("provider api key is not set")

// ProviderConfig resolves the active provider into an llm config. ok is false when AI is disabled.
func (c *AIConfig) ProviderConfig() (cfg llm.ProviderConfig, ok bool, err error) {
	p, ok := c.Active()
	if !ok {
		return llm.ProviderConfig{}, false, nil
	}
	env := strings.TrimSpace(p.APIKeyEnv)
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return llm.ProviderConfig{}, true, fmt.Errorf("%w: %s", ErrNoAPIKey, env)
	}
	return llm.ProviderConfig{
		ID:          strings.TrimSpace(p.ID),
		Type:        strings.TrimSpace(p.Type),
		BaseURL:     strings.TrimSpace(p.BaseURL),
		Model:       strings.TrimSpace(p.Model),
		APIKey:      key,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		MaxRetries:  2,
	}, true, nil
}
