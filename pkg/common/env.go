package common

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv loads secrets and other environment-only configuration into
// target using its `env` struct tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
