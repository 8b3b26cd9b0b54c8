package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load reads the YAML file at path, applies environment overrides, defaults
// and validation. A missing file is tolerated when the environment carries
// enough configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	// Booleans with a true default cannot be distinguished from unset after
	// decoding, so they live in viper's default layer.
	v.SetDefault("position.hard_exit_on_expansion_chaos", true)
	v.SetDefault("position.hard_exit_on_range", false)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(underlying(err)) {
				return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
			}
		}
	}

	applyEnvOverrides(v)

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides maps the recognized environment variables onto config
// keys. Env always wins over file values.
func applyEnvOverrides(v *viper.Viper) {
	if env := os.Getenv("NODE_ENV"); env != "" {
		v.Set("app.env", env)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		v.Set("app.log_level", lvl)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("app.database_url", dsn)
	}
	if key := os.Getenv("API_KEY"); key != "" {
		v.Set("exchange.api_key", key)
	}
	if secret := os.Getenv("API_SECRET"); secret != "" {
		v.Set("exchange.api_secret", secret)
	}
	if base := os.Getenv("BASE_URL"); base != "" {
		v.Set("exchange.base_url", base)
	}
	if recv := os.Getenv("RECV_WINDOW_MS"); recv != "" {
		if ms, err := strconv.ParseInt(recv, 10, 64); err == nil && ms > 0 {
			v.Set("exchange.recv_window_ms", ms)
		}
	}
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}
