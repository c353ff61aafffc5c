package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		// TTL is how long quiz and question rows stay cached.
		TTL           string `yaml:"ttl"`
		IdleTTL       string `yaml:"idle_ttl"`
		EndedTTL      string `yaml:"ended_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"quiz"`
	Tournament struct {
		LobbyCountdown string  `yaml:"lobby_countdown"`
		AnswerGrace    string  `yaml:"answer_grace"`
		TimerSeconds   float64 `yaml:"timer_seconds"`
		AutoProgress   *bool   `yaml:"auto_progress"`
	} `yaml:"tournament"`
	Persistence struct {
		QueueSize      int    `yaml:"queue_size"`
		Workers        int    `yaml:"workers"`
		MaxRetries     uint64 `yaml:"max_retries"`
		InitialBackoff string `yaml:"initial_backoff"`
	} `yaml:"persistence"`
	RabbitMQ struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"rabbitmq"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// Enabled reads an optional boolean, defaulting to fallback when unset.
func Enabled(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
