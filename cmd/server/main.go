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

// Ingestion service entry point. It:
//  1. Loads configuration from config.yaml
//  2. Connects to PostgreSQL and Redis
//  3. Ensures provider push registrations for every connected account
//  4. Runs a registration renewal loop
//  5. Serves the webhook endpoints that receive push notifications
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/config"
	"github.com/candorhq/ingestion/internal/dedup"
	"github.com/candorhq/ingestion/internal/identity"
	"github.com/candorhq/ingestion/internal/ingest"
	"github.com/candorhq/ingestion/internal/ledger"
	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/queue"
	"github.com/candorhq/ingestion/internal/remote"
	"github.com/candorhq/ingestion/internal/retry"
	"github.com/candorhq/ingestion/internal/watch"
	"github.com/candorhq/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"ingest_timeout", cfg.IngestTimeout,
		"renew_buffer", cfg.RenewBuffer,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.InteractionsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Seen-entity Filter ---
	filter := dedup.NewFilter(rdb)

	// --- Postgres Stores ---
	ledgerStore, err := ledger.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise ingestion ledger", "error", err)
		os.Exit(1)
	}
	reconciler, err := identity.NewReconciler(ctx, pgPool, nil)
	if err != nil {
		slog.Error("failed to initialise identity reconciler", "error", err)
		os.Exit(1)
	}
	accountStore, err := authz.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise account store", "error", err)
		os.Exit(1)
	}
	watchStore, err := watch.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise watch store", "error", err)
		os.Exit(1)
	}

	// --- Upstream Clients ---
	creds := authz.NewCredentials(accountStore, cfg.GoogleClientID, cfg.GoogleClientSecret)
	exec := retry.New(cfg.Retry.MaxRetries, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier)
	limiter := rate.NewLimiter(rate.Limit(10), 5)
	factory := remote.NewFactory(creds, exec, limiter)

	// --- Orchestrator ---
	orch := ingest.New(ingest.Config{
		Ledger:     ledgerStore,
		Identities: reconciler,
		Accounts:   accountStore,
		MailFor: func(ctx context.Context, accountID string) (ingest.MailSource, error) {
			return factory.Mail(ctx, accountID)
		},
		CalendarFor: func(ctx context.Context, accountID string) (ingest.CalendarSource, error) {
			return factory.Calendar(ctx, accountID)
		},
		Publisher:      publisher,
		Filter:         filter,
		Timeout:        cfg.IngestTimeout,
		CalendarWindow: cfg.CalendarWindow,
		Logger:         logger,
	})

	// --- Resolve webhook URL ---
	webhookURL := resolveWebhookURL(cfg.WebhookURL)
	if webhookURL == "" {
		slog.Error("webhook URL is required — provider push needs a public endpoint")
		os.Exit(1)
	}
	slog.Info("webhook URL resolved", "url", webhookURL)

	// --- Phase 1: Start the webhook server BEFORE registering watches ---
	// Calendar channel creation delivers a sync handshake immediately.
	handler := webhook.NewHandler(orch, accountStore, watchStore, cfg.WebhookToken)
	ready, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("webhook server ready, proceeding to register watches")

	// --- Phase 2: Watch Manager ---
	mgr := watch.NewManager(watch.ManagerConfig{
		Store:    watchStore,
		Accounts: accountStore,
		MailFor: func(ctx context.Context, accountID string) (watch.MailWatcher, error) {
			return factory.Mail(ctx, accountID)
		},
		CalendarFor: func(ctx context.Context, accountID string) (watch.CalendarWatcher, error) {
			return factory.Calendar(ctx, accountID)
		},
		PushTopic:   cfg.PushTopic,
		WebhookURL:  webhookURL,
		Token:       cfg.WebhookToken,
		RenewBuffer: cfg.RenewBuffer,
	})

	// Seed the sync cursor for accounts that have never synced, so the
	// first push does not walk the whole mailbox history.
	mgr.OnWatchEstablished = func(ctx context.Context, accountID string, source models.Source, cursor string) {
		if cursor == "" {
			return
		}
		existing, err := ledgerStore.Cursor(ctx, accountID, source)
		if err != nil || existing != "" {
			return
		}
		if err := ledgerStore.SaveCursor(ctx, accountID, source, cursor); err != nil {
			slog.Warn("seeding sync cursor failed",
				"account_id", accountID, "source", source, "error", err)
		}
	}

	if err := mgr.Start(ctx); err != nil {
		slog.Error("failed to start watch manager", "error", err)
		os.Exit(1)
	}

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // stops the webhook server and background loops

	mgr.Stop()
	time.Sleep(time.Second) // let in-flight acks drain
	rdb.Close()
	pgPool.Close()

	slog.Info("ingestion service stopped")
}

// resolveWebhookURL resolves the webhook URL from config.
//
//   - Empty string → error (webhook is required)
//   - "auto" → discover the public URL from a local ngrok container
//   - Any other string → use as-is (production)
func resolveWebhookURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if strings.ToLower(raw) != "auto" {
		return raw
	}

	// Auto-discover from ngrok's local API.
	ngrokAPI := os.Getenv("NGROK_API_URL")
	if ngrokAPI == "" {
		ngrokAPI = "http://ngrok:4040"
	}

	slog.Info("discovering webhook URL from ngrok", "api", ngrokAPI)

	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		resp, err := http.Get(ngrokAPI + "/api/tunnels")
		if err != nil {
			lastErr = err
			slog.Debug("ngrok not ready, retrying",
				"attempt", attempt+1,
				"error", err,
			)
			time.Sleep(2 * time.Second)
			continue
		}

		var result struct {
			Tunnels []struct {
				PublicURL string `json:"public_url"`
				Proto     string `json:"proto"`
			} `json:"tunnels"`
		}
		err = json.NewDecoder(resp.Body).Decode(&result)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			time.Sleep(2 * time.Second)
			continue
		}

		for _, t := range result.Tunnels {
			if t.Proto == "https" {
				slog.Info("ngrok tunnel discovered", "url", t.PublicURL)
				return t.PublicURL
			}
		}

		if len(result.Tunnels) > 0 {
			url := result.Tunnels[0].PublicURL
			slog.Info("ngrok tunnel discovered", "url", url)
			return url
		}

		lastErr = fmt.Errorf("no tunnels found")
		time.Sleep(2 * time.Second)
	}

	slog.Error("failed to discover ngrok tunnel", "error", lastErr)
	return ""
}
