// Package config loads ~/.chatcore/config.toml. Values are layered: built-in
// defaults, then the TOML file, then an optional .env file, then CHATCORE_*
// environment variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g.
// CHATCORE_QUEUE_MAX_ATTEMPTS.
const EnvPrefix = "CHATCORE"

// Config represents the global ~/.chatcore/config.toml.
type Config struct {
	DefaultAccount string          `toml:"default_account" split_words:"true" validate:"omitempty,max=64"`
	Identity       IdentityConfig  `toml:"identity"`
	Backend        BackendConfig   `toml:"backend"`
	Media          MediaConfig     `toml:"media"`
	Queue          QueueConfig     `toml:"queue"`
	Pipeline       PipelineConfig  `toml:"pipeline"`
	Sync           SyncConfig      `toml:"sync"`
	Typing         TypingConfig    `toml:"typing"`
	Directory      DirectoryConfig `toml:"directory"`
	Log            LogConfig       `toml:"log"`
}

// IdentityConfig selects who the current user is. IDTokenFile, when set,
// wins over UserID and requires the firestore backend.
type IdentityConfig struct {
	UserID      string `toml:"user_id" split_words:"true"`
	IDTokenFile string `toml:"id_token_file" split_words:"true"`
}

type BackendConfig struct {
	Kind            string `toml:"kind" validate:"oneof=memory firestore"`
	ProjectID       string `toml:"project_id" split_words:"true" validate:"required_if=Kind firestore"`
	CredentialsFile string `toml:"credentials_file" split_words:"true"`
}

// MediaConfig names the Cloud Storage bucket. Without a bucket, uploads
// are written under the account's media directory.
type MediaConfig struct {
	Bucket string `toml:"bucket"`
}

type QueueConfig struct {
	Backend     string `toml:"backend" validate:"oneof=sqlite badger"`
	MaxAttempts int    `toml:"max_attempts" split_words:"true" validate:"min=1,max=20"`
}

type PipelineConfig struct {
	Workers         int           `toml:"workers" validate:"min=1,max=64"`
	SweepInterval   time.Duration `toml:"sweep_interval" split_words:"true" validate:"min=1s"`
	DispatchTimeout time.Duration `toml:"dispatch_timeout" split_words:"true" validate:"min=100ms"`
}

type SyncConfig struct {
	PageSize int `toml:"page_size" split_words:"true" validate:"min=1,max=500"`
}

// TypingConfig holds the keystroke debounce and the window after which a
// typing row counts as stale. The window must outlive the debounce.
type TypingConfig struct {
	Debounce  time.Duration `toml:"debounce" validate:"min=100ms"`
	Staleness time.Duration `toml:"staleness" validate:"gtfield=Debounce"`
}

type DirectoryConfig struct {
	CacheSize int64         `toml:"cache_size" split_words:"true" validate:"min=1"`
	CacheTTL  time.Duration `toml:"cache_ttl" split_words:"true" validate:"min=1s"`
	BatchSize int           `toml:"batch_size" split_words:"true" validate:"min=1,max=30"`
}

type LogConfig struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// Defaults returns a valid configuration for a memory-backed account.
func Defaults() *Config {
	return &Config{
		Backend:   BackendConfig{Kind: "memory"},
		Queue:     QueueConfig{Backend: "sqlite", MaxAttempts: 3},
		Pipeline:  PipelineConfig{Workers: 4, SweepInterval: 30 * time.Second, DispatchTimeout: 10 * time.Second},
		Sync:      SyncConfig{PageSize: 50},
		Typing:    TypingConfig{Debounce: 2 * time.Second, Staleness: 10 * time.Second},
		Directory: DirectoryConfig{CacheSize: 1000, CacheTTL: 5 * time.Minute, BatchSize: 10},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads config from path over the defaults. A missing file or env
// file is not an error. envFile may be empty.
func Load(path, envFile string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field rules.
func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Identity.IDTokenFile != "" && cfg.Backend.Kind != "firestore" {
		return errors.New("invalid config: identity.id_token_file requires backend.kind = \"firestore\"")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
