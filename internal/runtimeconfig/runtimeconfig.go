// Package runtimeconfig loads the process-wide settings a cryfsd instance
// needs beyond the per-filesystem config file: where to keep local state,
// how big the cache layers should grow, and default cipher/blocksize
// choices for newly created filesystems. Grounded on haukened-gone's
// internal/config package: defaults via the koanf structs provider,
// overridden by CRYFS_-prefixed environment variables, validated with
// go-playground/validator.
package runtimeconfig

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds the settings read from the environment at process start.
type Config struct {
	LocalStateDir      string        `koanf:"local_state_dir" validate:"required"`
	DefaultCipher      string        `koanf:"default_cipher" validate:"required"`
	DefaultBlocksize   uint32        `koanf:"default_blocksize" validate:"required,gt=0"`
	BlockCacheEntries  int           `koanf:"block_cache_entries" validate:"required,gt=0"`
	BlobCacheEntryAge  time.Duration `koanf:"-"`
	BlobCacheEntryAgeS int           `koanf:"blob_cache_entry_age_seconds" validate:"required,gt=0"`
	RemoveParallelism  int           `koanf:"remove_parallelism" validate:"required,gt=0"`
	AllowIntegrityViolations bool    `koanf:"allow_integrity_violations"`
	SingleClientMode   bool          `koanf:"single_client_mode"`
	LogJSON            bool          `koanf:"log_json"`
	LogLevel           string        `koanf:"log_level" validate:"required,oneof=debug info warn error"`
}

// DefaultConfig holds the defaults used when no environment override is
// present.
var DefaultConfig = Config{
	LocalStateDir:            "~/.cryfs",
	DefaultCipher:            "xchacha20-poly1305",
	DefaultBlocksize:         32768,
	BlockCacheEntries:        1000,
	BlobCacheEntryAgeS:       10,
	RemoveParallelism:        8,
	AllowIntegrityViolations: false,
	LogJSON:                  false,
	LogLevel:                 "info",
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultConfig, "koanf"), nil)
}

// envLoader loads CRYFS_-prefixed environment variables, e.g.
// CRYFS_LOCAL_STATE_DIR, CRYFS_LOG_LEVEL.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{Prefix: "CRYFS_", TransformFunc: func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, "CRYFS_"))
		return key, strings.TrimSpace(value)
	}}), nil)
}

// Load reads defaults, overrides them from the environment, and validates
// the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, err
	}
	if err := envLoader(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.BlobCacheEntryAge = time.Duration(cfg.BlobCacheEntryAgeS) * time.Second

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
