package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Cache.Type {
	case "sqlite", "badger":
		if cfg.Cache.Dir == "" {
			return fmt.Errorf("cache: dir required for %s cache", cfg.Cache.Type)
		}
	}

	if cfg.Backend.MetadataTimeout < 0 || cfg.Backend.DataTimeout < 0 {
		return fmt.Errorf("backend: timeouts must not be negative")
	}
	if cfg.Cache.SnapshotTTL < 0 {
		return fmt.Errorf("cache: snapshot_ttl must not be negative")
	}

	names := make(map[string]bool)
	for i, repo := range cfg.Repositories {
		if names[repo.Name] {
			return fmt.Errorf("repositories[%d]: duplicate repository name %q", i, repo.Name)
		}
		names[repo.Name] = true
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
