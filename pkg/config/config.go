package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Parse populates target from environment variables using its `env` struct tags.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
