// Package config builds the immutable process configuration from three
// layers, highest precedence first: FLUX_-prefixed environment variables, a
// TOML file at the project root, and compiled defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the config file looked up at the project root.
const DefaultFile = "flux.toml"

// Duration is a time.Duration that decodes from TOML/env strings ("30s",
// "5m") or bare numbers read as seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full layered configuration. Build it once at process start
// with Load; components receive it by value and never mutate it.
type Config struct {
	Core     Core     `toml:"core"`
	Executor Executor `toml:"executor"`
	Workers  Workers  `toml:"workers"`
	Security Security `toml:"security"`
	Catalog  Catalog  `toml:"catalog"`
}

// Core holds process-wide options.
type Core struct {
	Debug            bool   `toml:"debug"`
	LogLevel         string `toml:"log_level" validate:"oneof=debug info warn error"`
	ServerHost       string `toml:"server_host"`
	ServerPort       int    `toml:"server_port" validate:"gt=0,lte=65535"`
	APIURL           string `toml:"api_url"`
	Home             string `toml:"home"`
	CachePath        string `toml:"cache_path"`
	LocalStoragePath string `toml:"local_storage_path"`
	Serializer       string `toml:"serializer" validate:"oneof=json general"`
	DatabaseURL      string `toml:"database_url"`
}

// Executor tunes the server-side execution defaults.
type Executor struct {
	MaxWorkers     int           `toml:"max_workers" validate:"gt=0"`
	DefaultTimeout Duration      `toml:"default_timeout"`
	RetryAttempts  int           `toml:"retry_attempts" validate:"gte=0"`
	RetryDelay     Duration      `toml:"retry_delay"`
	RetryBackoff   float64       `toml:"retry_backoff" validate:"gte=1"`
}

// Workers tunes worker-node behavior.
type Workers struct {
	BootstrapToken string        `toml:"bootstrap_token"`
	ServerURL      string        `toml:"server_url"`
	DefaultTimeout Duration      `toml:"default_timeout"`
	RetryAttempts  int           `toml:"retry_attempts" validate:"gte=0"`
	RetryDelay     Duration      `toml:"retry_delay"`
	RetryBackoff   float64       `toml:"retry_backoff" validate:"gte=1"`
}

// Security holds the vault master key.
type Security struct {
	EncryptionKey string `toml:"encryption_key"`
}

// Catalog tunes workflow registration.
type Catalog struct {
	AutoRegister bool `toml:"auto_register"`
}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		Core: Core{
			LogLevel:         "info",
			ServerHost:       "127.0.0.1",
			ServerPort:       8096,
			APIURL:           "http://127.0.0.1:8096",
			Home:             ".flux",
			CachePath:        ".flux/cache",
			LocalStoragePath: ".flux/storage",
			Serializer:       "json",
			DatabaseURL:      ".flux/flux.db",
		},
		Executor: Executor{
			MaxWorkers:     4,
			DefaultTimeout: Duration(5 * time.Minute),
			RetryAttempts:  0,
			RetryDelay:     Duration(time.Second),
			RetryBackoff:   2,
		},
		Workers: Workers{
			ServerURL:      "http://127.0.0.1:8096",
			DefaultTimeout: Duration(5 * time.Minute),
			RetryAttempts:  0,
			RetryDelay:     Duration(time.Second),
			RetryBackoff:   2,
		},
		Catalog: Catalog{AutoRegister: true},
	}
}

// Load builds the configuration: defaults, then the TOML file at path (or
// DefaultFile; a missing file is fine), then FLUX_ environment overrides.
// The result is validated before it is returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return Config{}, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays FLUX_<KEY> (core group) and FLUX_<GROUP>__<KEY>
// variables onto the configuration.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FLUX_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, "FLUX_"))

		group, field, nested := strings.Cut(name, "__")
		if !nested {
			group, field = "core", name
		}

		if err := setField(cfg, group, field, value); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setField(cfg *Config, group, field, value string) error {
	switch group {
	case "core":
		switch field {
		case "debug":
			return setBool(&cfg.Core.Debug, value)
		case "log_level":
			cfg.Core.LogLevel = value
		case "server_host":
			cfg.Core.ServerHost = value
		case "server_port":
			return setInt(&cfg.Core.ServerPort, value)
		case "api_url":
			cfg.Core.APIURL = value
		case "home":
			cfg.Core.Home = value
		case "cache_path":
			cfg.Core.CachePath = value
		case "local_storage_path":
			cfg.Core.LocalStoragePath = value
		case "serializer":
			cfg.Core.Serializer = value
		case "database_url":
			cfg.Core.DatabaseURL = value
		default:
			return nil // unrecognized keys are ignored
		}
	case "executor":
		switch field {
		case "max_workers":
			return setInt(&cfg.Executor.MaxWorkers, value)
		case "default_timeout":
			return setDuration(&cfg.Executor.DefaultTimeout, value)
		case "retry_attempts":
			return setInt(&cfg.Executor.RetryAttempts, value)
		case "retry_delay":
			return setDuration(&cfg.Executor.RetryDelay, value)
		case "retry_backoff":
			return setFloat(&cfg.Executor.RetryBackoff, value)
		default:
			return nil
		}
	case "workers":
		switch field {
		case "bootstrap_token":
			cfg.Workers.BootstrapToken = value
		case "server_url":
			cfg.Workers.ServerURL = value
		case "default_timeout":
			return setDuration(&cfg.Workers.DefaultTimeout, value)
		case "retry_attempts":
			return setInt(&cfg.Workers.RetryAttempts, value)
		case "retry_delay":
			return setDuration(&cfg.Workers.RetryDelay, value)
		case "retry_backoff":
			return setFloat(&cfg.Workers.RetryBackoff, value)
		default:
			return nil
		}
	case "security":
		if field == "encryption_key" {
			cfg.Security.EncryptionKey = value
		}
	case "catalog":
		if field == "auto_register" {
			return setBool(&cfg.Catalog.AutoRegister, value)
		}
	}
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setInt(dst *int, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func setFloat(dst *float64, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// setDuration accepts Go duration strings ("30s") and bare numbers, which
// are read as seconds.
func setDuration(dst *Duration, value string) error {
	return dst.UnmarshalText([]byte(value))
}
