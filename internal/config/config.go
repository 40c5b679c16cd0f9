// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig tunes the upstream retry executor.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Provider OAuth application credentials.
	GoogleClientID     string
	GoogleClientSecret string

	// PushTopic is the Pub/Sub topic mail watches publish to.
	PushTopic string

	// WebhookURL is the externally reachable base URL for push
	// callbacks; WebhookToken is the shared secret embedded in it.
	WebhookURL   string
	WebhookToken string

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL          string
	InteractionsQueue string

	// Processing
	IngestTimeout  time.Duration
	CalendarWindow time.Duration
	ResyncLookback time.Duration
	RenewBuffer    time.Duration
	Retry          RetryConfig

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		PushTopic    string `yaml:"push_topic"`
	} `yaml:"google"`
	Webhook struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"webhook"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Interactions string `yaml:"interactions"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		GoogleClientID:     firstNonEmpty(raw.Google.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
		GoogleClientSecret: firstNonEmpty(raw.Google.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
		PushTopic:          firstNonEmpty(raw.Google.PushTopic, os.Getenv("PUSH_TOPIC")),
		WebhookURL:         firstNonEmpty(raw.Webhook.URL, os.Getenv("WEBHOOK_URL")),
		WebhookToken:       firstNonEmpty(raw.Webhook.Token, os.Getenv("WEBHOOK_TOKEN")),
		DatabaseURL:        firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/ingestion")),
		RedisURL:           firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		InteractionsQueue:  firstNonEmpty(raw.Redis.Queues.Interactions, envOrDefault("INTERACTIONS_QUEUE", "interactions")),
		IngestTimeout:      envOrDefaultDuration("INGEST_TIMEOUT", 60*time.Second),
		CalendarWindow:     envOrDefaultDuration("CALENDAR_WINDOW", 24*time.Hour),
		ResyncLookback:     envOrDefaultDuration("RESYNC_LOOKBACK", 7*24*time.Hour),
		RenewBuffer:        envOrDefaultDuration("RENEW_BUFFER", 12*time.Hour),
		Retry: RetryConfig{
			MaxRetries:   envOrDefaultInt("RETRY_MAX", 3),
			InitialDelay: envOrDefaultDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:     envOrDefaultDuration("RETRY_MAX_DELAY", 10*time.Second),
			Multiplier:   envOrDefaultFloat("RETRY_MULTIPLIER", 2.0),
		},
		Port: envOrDefaultInt("PORT", 8080),
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf("google client credentials not configured; set google.client_id / google.client_secret")
	}
	if cfg.PushTopic == "" {
		return nil, fmt.Errorf("push topic not configured; set google.push_topic")
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not configured; set webhook.url")
	}
	cfg.WebhookURL = strings.TrimRight(cfg.WebhookURL, "/")

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
