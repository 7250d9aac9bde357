package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Parse fills a config struct of type T from environment variables.
// Fields are described with `env` and `envDefault` struct tags.
func Parse[T any]() (T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// MustParse is Parse for callers with no way to report an error.
// Malformed values fall back to the zero value, which withDefaults repairs.
func MustParse[T any]() T {
	cfg, _ := Parse[T]()
	return cfg
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are left untouched. Missing files are
// skipped, so a bare deployment without a .env file behaves the same.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{""}
	}
	for _, p := range paths {
		if p == "" {
			p = ".env"
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}
