package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/sweetpotato0/agentstep/completion"
	errorskg "github.com/sweetpotato0/agentstep/errors"
)

// ValidationError names a config field and what is wrong with it.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for field %q: %s", e.Field, e.Message)
}

// Validator collects field failures so a config check reports all of them at
// once. Methods chain.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// Add records a failure for field.
func (v *Validator) Add(field, message string) *Validator {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
	return v
}

// AddErr records err for field when it is non-nil.
func (v *Validator) AddErr(field string, err error) *Validator {
	if err != nil {
		v.Add(field, err.Error())
	}
	return v
}

func (v *Validator) RequireNonEmpty(field, value string) *Validator {
	if value == "" {
		v.Add(field, "value cannot be empty")
	}
	return v
}

func (v *Validator) RequirePositive(field string, value int) *Validator {
	if value <= 0 {
		v.Add(field, fmt.Sprintf("value must be positive, got %d", value))
	}
	return v
}

// ValidateRange checks min <= value <= max.
func (v *Validator) ValidateRange(field string, value, min, max int) *Validator {
	if value < min || value > max {
		v.Add(field, fmt.Sprintf("value must be between %d and %d, got %d", min, max, value))
	}
	return v
}

func (v *Validator) ValidateFloatRange(field string, value, min, max float64) *Validator {
	if value < min || value > max {
		v.Add(field, fmt.Sprintf("value must be between %.2f and %.2f, got %.2f", min, max, value))
	}
	return v
}

// ValidateDBNumber checks a Redis logical database index (0-15).
func (v *Validator) ValidateDBNumber(field string, db int) *Validator {
	return v.ValidateRange(field, db, 0, 15)
}

func (v *Validator) ValidateOneOf(field string, value string, allowed ...string) *Validator {
	for _, a := range allowed {
		if a == value {
			return v
		}
	}
	return v.Add(field, fmt.Sprintf("value must be one of %v, got %q", allowed, value))
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Error joins every failure into one Configuration error, or returns nil.
func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}

	msg := "configuration validation failed:\n"
	for _, e := range v.errors {
		msg += fmt.Sprintf("  - %s: %s\n", e.Field, e.Message)
	}
	return errorskg.New(errorskg.KindConfiguration, "config_validate", errors.New(msg))
}

// ValidatePostgresDSN checks that dsn is a connection string the postgres
// driver accepts, in URL or key=value form. No connection is made.
func ValidatePostgresDSN(dsn string) error {
	v := NewValidator()
	v.RequireNonEmpty("dsn", dsn)
	if dsn != "" {
		if _, err := pq.NewConnector(dsn); err != nil {
			v.Add("dsn", err.Error())
		}
	}
	return v.Error()
}

// ValidateRedisConfig validates Redis configuration
func ValidateRedisConfig(addr string, db int, prefix string) error {
	v := NewValidator()

	v.RequireNonEmpty("addr", addr)
	v.ValidateDBNumber("db", db)
	v.RequireNonEmpty("prefix", prefix)

	return v.Error()
}

// ValidateMongoDBConfig validates MongoDB configuration
func ValidateMongoDBConfig(uri string, database string, collection string) error {
	v := NewValidator()

	v.RequireNonEmpty("uri", uri)
	v.RequireNonEmpty("database", database)
	v.RequireNonEmpty("collection", collection)

	return v.Error()
}

// ValidateRateLimiterConfig validates rate limiter configuration
func ValidateRateLimiterConfig(maxRequests int) error {
	v := NewValidator()
	v.RequirePositive("maxRequests", maxRequests)
	return v.Error()
}

// ValidateProviderConfig validates the provider section. Credentials are
// checked by completion.ProviderConfig.Validate once the environment has
// been applied.
func ValidateProviderConfig(cfg completion.ProviderConfig) error {
	cfg = cfg.Normalized()
	v := NewValidator()

	v.ValidateOneOf("provider", cfg.Provider,
		completion.ProviderOpenAI, completion.ProviderAnthropic, completion.ProviderGemini,
		completion.ProviderDatabricks, completion.ProviderGroq, completion.ProviderMock)
	if cfg.Temperature != nil {
		v.ValidateFloatRange("temperature", *cfg.Temperature, 0.0, 2.0)
	}
	if cfg.MaxTokens != 0 {
		v.RequirePositive("maxTokens", cfg.MaxTokens)
	}
	if cfg.Timeout < 0 {
		v.Add("timeout", "value cannot be negative")
	}

	return v.Error()
}

// ValidateSessionTTL validates the lifetime of stored sessions. Zero keeps
// records forever.
func ValidateSessionTTL(ttl time.Duration) error {
	v := NewValidator()
	if ttl < 0 {
		v.Add("ttl", fmt.Sprintf("value cannot be negative, got %s", ttl))
	}
	return v.Error()
}

// ValidateCronSchedule checks a five-field cron expression.
func ValidateCronSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}
