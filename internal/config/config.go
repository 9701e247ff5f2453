package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Env              string `mapstructure:"ENV"`
	MLLPAddr         string `mapstructure:"MLLP_ADDR"`
	MLLPMaxMsgBytes  int    `mapstructure:"MLLP_MAX_MESSAGE_BYTES"`
	HTTPPort         string `mapstructure:"HTTP_PORT"`
	Store            string `mapstructure:"STORE"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32  `mapstructure:"DB_MIN_CONNS"`
	PagerAddr        string `mapstructure:"PAGER_ADDR"`
	ModelPath        string `mapstructure:"MODEL_PATH"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("MLLP_MAX_MESSAGE_BYTES", 1<<20)
	v.SetDefault("HTTP_PORT", "8000")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PAGER_ADDR", "localhost:8441")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("MLLP_ADDR")
	v.BindEnv("MLLP_MAX_MESSAGE_BYTES")
	v.BindEnv("HTTP_PORT")
	v.BindEnv("STORE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PAGER_ADDR")
	v.BindEnv("MODEL_PATH")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	switch cfg.Store {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", cfg.Store)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}
