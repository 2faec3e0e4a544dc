package config

import (
	"os"
	"strings"

	"github.com/sweetpotato0/agentstep/completion"
)

// Environment variables consulted when a provider setting is left empty.
const (
	EnvProvider        = "AGENTSTEP_PROVIDER"
	EnvModel           = "AGENTSTEP_MODEL"
	EnvOpenAIKey       = "OPENAI_API_KEY"
	EnvOpenAIHost      = "OPENAI_HOST"
	EnvAnthropicKey    = "ANTHROPIC_API_KEY"
	EnvAnthropicHost   = "ANTHROPIC_HOST"
	EnvGeminiKey       = "GEMINI_API_KEY"
	EnvGoogleKey       = "GOOGLE_API_KEY"
	EnvDatabricksHost  = "DATABRICKS_HOST"
	EnvDatabricksToken = "DATABRICKS_TOKEN"
	EnvGroqKey         = "GROQ_API_KEY"
)

var keyVars = map[string][]string{
	completion.ProviderOpenAI:     {EnvOpenAIKey},
	completion.ProviderAnthropic:  {EnvAnthropicKey},
	completion.ProviderGemini:     {EnvGeminiKey, EnvGoogleKey},
	completion.ProviderDatabricks: {EnvDatabricksToken},
	completion.ProviderGroq:       {EnvGroqKey},
}

var hostVars = map[string]string{
	completion.ProviderOpenAI:     EnvOpenAIHost,
	completion.ProviderAnthropic:  EnvAnthropicHost,
	completion.ProviderDatabricks: EnvDatabricksHost,
}

// ResolveProvider fills empty provider settings from the environment.
// Values already set in cfg win; a provider named nowhere defaults to openai.
func ResolveProvider(cfg completion.ProviderConfig, lookup func(string) (string, bool)) completion.ProviderConfig {
	get := func(name string) string {
		v, ok := lookup(name)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if cfg.Provider == "" {
		cfg.Provider = get(EnvProvider)
	}
	if cfg.Provider == "" {
		cfg.Provider = completion.ProviderOpenAI
	}
	cfg = cfg.Normalized()
	if cfg.Model == "" {
		cfg.Model = get(EnvModel)
	}
	if cfg.APIKey == "" {
		for _, name := range keyVars[cfg.Provider] {
			if v := get(name); v != "" {
				cfg.APIKey = v
				break
			}
		}
	}
	if cfg.Host == "" {
		if name, ok := hostVars[cfg.Provider]; ok {
			cfg.Host = get(name)
		}
	}
	return cfg
}

// ProviderFromEnv resolves cfg against the process environment.
func ProviderFromEnv(cfg completion.ProviderConfig) completion.ProviderConfig {
	return ResolveProvider(cfg, os.LookupEnv)
}
