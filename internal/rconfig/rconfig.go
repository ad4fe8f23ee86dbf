// Package rconfig loads the runtime's process-wide configuration from the
// environment, optionally seeded from a .env file. Components receive these
// settings explicitly; the log level (ROSS_LOG_LEVEL, read by rlog) and the
// .env path (ROSS_DOTENV, read by cmd/rossd) are read from the environment
// elsewhere.
package rconfig

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config is the top-level runtime configuration. Collaborators (Store,
// Registry, Snapshotter, Shim, Pipeline, Lifecycle) are constructed from
// fields of this struct explicitly; it is never passed around as an
// ambient singleton.
type Config struct {
	// DataRoot is the filesystem root for all persistent state (default
	// /var/lib/ross).
	DataRoot string
	// RuntimeBinary is the low-level OCI runtime executable the Shim
	// invokes (default "runc").
	RuntimeBinary string
	// MaxConcurrentDownloads bounds parallel layer fetches in the pull
	// pipeline (default 3).
	MaxConcurrentDownloads int
	// RegistryUser/RegistryPass are optional basic-auth credentials used
	// when exchanging a bearer token with a registry's auth realm.
	RegistryUser string
	RegistryPass string
}

const (
	envDataRoot      = "ROSS_ROOT"
	envRuntimeBinary = "ROSS_RUNTIME_BIN"
	envMaxDownloads  = "ROSS_MAX_CONCURRENT_DOWNLOADS"
	envRegistryUser  = "ROSS_REGISTRY_USER"
	envRegistryPass  = "ROSS_REGISTRY_PASS"

	defaultDataRoot      = "/var/lib/ross"
	defaultRuntimeBinary = "runc"
	defaultMaxDownloads  = 3
)

// Load reads configuration from the environment, loading dotenvPath first
// (if non-empty and present) so ROSS_* variables it sets are visible to
// os.Getenv. A missing dotenv file is not an error.
func Load(dotenvPath string) Config {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath)
	}

	cfg := Config{
		DataRoot:               defaultDataRoot,
		RuntimeBinary:          defaultRuntimeBinary,
		MaxConcurrentDownloads: defaultMaxDownloads,
	}

	if v := os.Getenv(envDataRoot); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv(envRuntimeBinary); v != "" {
		cfg.RuntimeBinary = v
	}
	if v := os.Getenv(envMaxDownloads); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentDownloads = n
		}
	}
	cfg.RegistryUser = os.Getenv(envRegistryUser)
	cfg.RegistryPass = os.Getenv(envRegistryPass)

	return cfg
}
