// Package config содержит логику чтения конфигурации сервиса столовой.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса столовой.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	RazorpayKeyID     string        `env:"RAZORPAY_KEY_ID"`
	RazorpayKeySecret string        `env:"RAZORPAY_KEY_SECRET"`
	RazorpayAddress   string        `env:"RAZORPAY_ADDRESS"`
	ReadyRetention    time.Duration `env:"READY_RETENTION"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAuthSecret := cfg.AuthSecret
	envKeyID := cfg.RazorpayKeyID
	envKeySecret := cfg.RazorpayKeySecret
	envRazorpayAddress := cfg.RazorpayAddress
	envReadyRetention := cfg.ReadyRetention
	envCleanupInterval := cfg.CleanupInterval

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.AuthSecret, "s", "", "identity token signing secret")
	flag.StringVar(&cfg.RazorpayKeyID, "k", "", "razorpay key id")
	flag.StringVar(&cfg.RazorpayKeySecret, "x", "", "razorpay key secret")
	flag.StringVar(&cfg.RazorpayAddress, "r", "https://api.razorpay.com", "razorpay API address")
	flag.DurationVar(&cfg.ReadyRetention, "t", 30*time.Minute, "how long an order may stay Ready before the sweep delivers it")
	flag.DurationVar(&cfg.CleanupInterval, "i", 5*time.Minute, "interval between cleanup sweeps")

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
	if envKeyID != "" {
		cfg.RazorpayKeyID = envKeyID
	}
	if envKeySecret != "" {
		cfg.RazorpayKeySecret = envKeySecret
	}
	if envRazorpayAddress != "" {
		cfg.RazorpayAddress = envRazorpayAddress
	}
	if envReadyRetention > 0 {
		cfg.ReadyRetention = envReadyRetention
	}
	if envCleanupInterval > 0 {
		cfg.CleanupInterval = envCleanupInterval
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
