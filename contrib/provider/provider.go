// Package provider maps a provider identity to a completion.Provider.
package provider

import (
	"fmt"

	"github.com/sweetpotato0/agentstep/completion"
	"github.com/sweetpotato0/agentstep/contrib/provider/claude"
	"github.com/sweetpotato0/agentstep/contrib/provider/gemini"
	"github.com/sweetpotato0/agentstep/contrib/provider/mock"
	"github.com/sweetpotato0/agentstep/contrib/provider/openai"
	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// New validates cfg and builds the matching provider. Unknown identities fail
// with ErrUnsupportedProvider, missing credentials with ErrMissingCredentials.
func New(cfg completion.ProviderConfig) (completion.Provider, error) {
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case completion.ProviderOpenAI:
		c := openai.DefaultConfig().WithAPIKey(cfg.APIKey)
		if cfg.Host != "" {
			c.WithBaseURL(cfg.Host)
		}
		return openai.New(applyOpenAI(c, cfg)), nil
	case completion.ProviderDatabricks:
		return openai.New(applyOpenAI(openai.DatabricksConfig(cfg.Host, cfg.APIKey, cfg.Model), cfg)), nil
	case completion.ProviderGroq:
		c := openai.GroqConfig(cfg.APIKey, cfg.Model)
		if cfg.Host != "" {
			c.WithBaseURL(cfg.Host)
		}
		return openai.New(applyOpenAI(c, cfg)), nil
	case completion.ProviderAnthropic:
		c := claude.DefaultConfig(cfg.APIKey)
		c.BaseURL = cfg.Host
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			c.MaxTokens = int64(cfg.MaxTokens)
		}
		c.Temperature = cfg.Temperature
		c.Timeout = cfg.Timeout
		return claude.New(c), nil
	case completion.ProviderGemini:
		c := gemini.DefaultConfig(cfg.APIKey)
		c.Endpoint = cfg.Host
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		c.MaxTokens = cfg.MaxTokens
		c.Temperature = cfg.Temperature
		return gemini.New(c), nil
	case completion.ProviderMock:
		return mock.New(mock.Config{Model: cfg.Model}), nil
	}

	return nil, errorskg.New(errorskg.KindConfiguration, "provider",
		fmt.Errorf("%q: %w", cfg.Provider, errorskg.ErrUnsupportedProvider))
}

func applyOpenAI(c *openai.Config, cfg completion.ProviderConfig) *openai.Config {
	if cfg.Model != "" {
		c.WithModel(cfg.Model)
	}
	if cfg.MaxTokens > 0 {
		c.MaxTokens = int64(cfg.MaxTokens)
	}
	c.Temperature = cfg.Temperature
	c.Timeout = cfg.Timeout
	return c
}
