package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new validator that reports fields by their json name.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateAPIKey validates an API key format. Keys for a custom base URL are
// only checked for presence since compatible servers use their own formats.
func (v *Validator) ValidateAPIKey(key, provider, baseURL string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	if baseURL != "" {
		return nil
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateSchedule validates a janitor cron spec.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []error{err}
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	seen := make(map[string]bool, len(cfg.LLM.Profiles))
	for i, profile := range cfg.LLM.Profiles {
		if profile.ID != "" && seen[profile.ID] {
			errs = append(errs, fmt.Errorf("llm profile %d: duplicate id %s", i, profile.ID))
		}
		seen[profile.ID] = true
		if profile.APIKey == "" || profile.Provider == "" {
			continue
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider, profile.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("llm profile %d (%s): %w", i, profile.ID, err))
		}
	}

	if err := v.ValidateSchedule(cfg.Session.JanitorSchedule); err != nil {
		errs = append(errs, fmt.Errorf("session.janitor_schedule: %w", err))
	}

	return errs
}

// fieldError renders a validator error as "llm.profiles[0].provider: must be one of ...".
func fieldError(fe validator.FieldError) error {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}

	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Errorf("%s: is required", ns)
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s], got %v", ns, fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Errorf("%s: must be at least %s, got %v", ns, fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Errorf("%s: must be at most %s, got %v", ns, fe.Param(), fe.Value())
	case "gt":
		return fmt.Errorf("%s: must be greater than %s, got %v", ns, fe.Param(), fe.Value())
	case "url":
		return fmt.Errorf("%s: must be a valid URL", ns)
	default:
		return fmt.Errorf("%s: failed %s validation", ns, fe.Tag())
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
