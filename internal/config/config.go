// Package config содержит логику чтения конфигурации сервиса парковки.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/parking-system/internal/tariff"
)

// Config содержит параметры конфигурации сервиса парковки.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	TotalSpaces    int `env:"TOTAL_SPACES"`
	StandardSpaces int `env:"STANDARD_SPACES"`

	FirstHourCents      int64 `env:"TARIFF_FIRST_HOUR_CENTS"`
	AdditionalHourCents int64 `env:"TARIFF_ADDITIONAL_HOUR_CENTS"`
	DailyCents          int64 `env:"TARIFF_DAILY_CENTS"`
	DailyThresholdHours int   `env:"TARIFF_DAILY_THRESHOLD_HOURS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Значения по умолчанию соответствуют наблюдаемой конфигурации парковки:
// 20 мест, первые 15 для стандартных машин, тариф 5/3/25 с суточным порогом 9 часов.
func applyDefaults(cfg *Config) {
	if cfg.TotalSpaces == 0 {
		cfg.TotalSpaces = 20
	}
	if cfg.StandardSpaces == 0 {
		cfg.StandardSpaces = 15
	}
	if cfg.FirstHourCents == 0 {
		cfg.FirstHourCents = 500
	}
	if cfg.AdditionalHourCents == 0 {
		cfg.AdditionalHourCents = 300
	}
	if cfg.DailyCents == 0 {
		cfg.DailyCents = 2500
	}
	if cfg.DailyThresholdHours == 0 {
		cfg.DailyThresholdHours = 9
	}
}

func validate(cfg *Config) error {
	if cfg.TotalSpaces <= 0 {
		return fmt.Errorf("total spaces must be positive, got %d", cfg.TotalSpaces)
	}
	if cfg.StandardSpaces < 0 || cfg.StandardSpaces > cfg.TotalSpaces {
		return fmt.Errorf("standard spaces must be within [0, %d], got %d", cfg.TotalSpaces, cfg.StandardSpaces)
	}
	if cfg.FirstHourCents <= 0 || cfg.AdditionalHourCents <= 0 || cfg.DailyCents <= 0 {
		return fmt.Errorf("tariff rates must be positive")
	}
	if cfg.DailyThresholdHours <= 0 {
		return fmt.Errorf("daily threshold must be positive, got %d", cfg.DailyThresholdHours)
	}
	return nil
}

// Tariff возвращает тарифную сетку, собранную из конфигурации.
func (c *Config) Tariff() tariff.Schedule {
	return tariff.Schedule{
		FirstHourCents:      c.FirstHourCents,
		AdditionalHourCents: c.AdditionalHourCents,
		DailyCents:          c.DailyCents,
		DailyThresholdHours: c.DailyThresholdHours,
	}
}
