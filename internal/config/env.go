package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variables read by [ApplyEnv].
const (
	EnvAPIKey     = "DEEPGRAM_API_KEY"
	EnvListenAddr = "LIVECAPTION_LISTEN_ADDR"
	EnvLogLevel   = "LIVECAPTION_LOG_LEVEL"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are not overridden. Files that do not
// exist are skipped; with no paths, ".env" in the working directory is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields of cfg from the environment. lookup is usually
// [os.LookupEnv]; empty values are ignored. The result is re-validated.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Transcription.APIKey = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	return Validate(cfg)
}
