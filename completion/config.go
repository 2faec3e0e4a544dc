package completion

import (
	"fmt"
	"strings"
	"time"

	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// Provider identities understood by the provider factory.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderDatabricks = "databricks"
	ProviderGroq       = "groq"
	ProviderMock       = "mock"
)

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider    string        `yaml:"provider" json:"provider_type"`
	APIKey      string        `yaml:"api_key" json:"api_key"`
	Model       string        `yaml:"model" json:"model_name"`
	Host        string        `yaml:"host" json:"host,omitempty"`
	Temperature *float64      `yaml:"temperature" json:"temperature,omitempty"`
	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout,omitempty"`
	// Ephemeral sessions are never written to a session store.
	Ephemeral bool `yaml:"ephemeral" json:"ephemeral"`
}

// Normalized returns a copy with the identity lower-cased and "google" and
// "claude" mapped to their canonical names.
func (c ProviderConfig) Normalized() ProviderConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	switch c.Provider {
	case "google":
		c.Provider = ProviderGemini
	case "claude":
		c.Provider = ProviderAnthropic
	}
	return c
}

// Validate checks the identity and, for remote providers, the credentials.
func (c ProviderConfig) Validate() error {
	c = c.Normalized()
	switch c.Provider {
	case ProviderMock:
		return nil
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderGroq:
		if c.APIKey == "" {
			return errorskg.New(errorskg.KindConfiguration, "provider_config",
				fmt.Errorf("%s: %w", c.Provider, errorskg.ErrMissingCredentials))
		}
	case ProviderDatabricks:
		if c.APIKey == "" || c.Host == "" {
			return errorskg.New(errorskg.KindConfiguration, "provider_config",
				fmt.Errorf("%s needs a host and a token: %w", c.Provider, errorskg.ErrMissingCredentials))
		}
	default:
		return errorskg.New(errorskg.KindConfiguration, "provider_config",
			fmt.Errorf("%q: %w", c.Provider, errorskg.ErrUnsupportedProvider))
	}
	if c.MaxTokens < 0 {
		return errorskg.New(errorskg.KindConfiguration, "provider_config",
			fmt.Errorf("max_tokens must not be negative: %w", errorskg.ErrInvalidInput))
	}
	return nil
}
