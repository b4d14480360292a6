package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration.
const (
	EnvProjectDir    = "PAGEBUILDER_PROJECT_DIR"
	EnvWorkspaceDir  = "PAGEBUILDER_WORKSPACE_DIR"
	EnvOutputDir     = "PAGEBUILDER_OUTPUT_DIR"
	EnvCacheDir      = "PAGEBUILDER_CACHE_DIR"
	EnvCompiler      = "PAGEBUILDER_COMPILER"
	EnvMaxConcurrent = "PAGEBUILDER_MAX_CONCURRENT"
	EnvNATSURL       = "PAGEBUILDER_NATS_URL"
	EnvHTTPAddr      = "PAGEBUILDER_HTTP_ADDR"
	EnvLogLevel      = "PAGEBUILDER_LOG_LEVEL"
)

// loadEnvFile loads environment variables from .env/.env.local files.
// It stops at the first file found; existing process variables are not overwritten.
func loadEnvFile() error {
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err != nil {
			continue
		}
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		fmt.Fprintf(os.Stderr, "Loaded environment variables from %s\n", envPath)
		return nil
	}
	return fmt.Errorf("no .env file found")
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Paths.ProjectDir, EnvProjectDir)
	setString(&cfg.Paths.WorkspaceDir, EnvWorkspaceDir)
	setString(&cfg.Paths.OutputDir, EnvOutputDir)
	setString(&cfg.Paths.CacheDir, EnvCacheDir)
	setString(&cfg.Compiler.Command, EnvCompiler)
	setString(&cfg.Events.NATSURL, EnvNATSURL)
	setString(&cfg.HTTP.Addr, EnvHTTPAddr)
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = NormalizeLogLevel(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxConcurrent)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxConcurrent = n
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
