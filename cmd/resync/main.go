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

// Resync CLI. Rebuilds interaction state for one or more accounts by
// listing recent mail and calendar activity directly, and installs a
// fresh sync cursor. Run it after an ingestion record fails with
// cursor_expired, or to import history for a newly connected account.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/config"
	"github.com/candorhq/ingestion/internal/dedup"
	"github.com/candorhq/ingestion/internal/identity"
	"github.com/candorhq/ingestion/internal/ledger"
	"github.com/candorhq/ingestion/internal/queue"
	"github.com/candorhq/ingestion/internal/remote"
	"github.com/candorhq/ingestion/internal/resync"
	"github.com/candorhq/ingestion/internal/retry"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	accountsFlag := flag.String("accounts", "", "Comma-separated account ids (optional; empty = all accounts)")
	lookbackFlag := flag.String("lookback", "168h", "Lookback duration (e.g. 168h for 1 week, 720h for 30 days)")
	mailOnly := flag.Bool("mail-only", false, "Resync mail only")
	calendarOnly := flag.Bool("calendar-only", false, "Resync calendar only")
	flag.Parse()

	if *mailOnly && *calendarOnly {
		fmt.Fprintf(os.Stderr, "Error: --mail-only and --calendar-only are mutually exclusive\n")
		os.Exit(1)
	}

	lookback, err := time.ParseDuration(*lookbackFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --lookback duration %q: %v\n", *lookbackFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.InteractionsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// --- Stores and Clients ---
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

	creds := authz.NewCredentials(accountStore, cfg.GoogleClientID, cfg.GoogleClientSecret)
	exec := retry.New(cfg.Retry.MaxRetries, cfg.Retry.InitialDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier)
	factory := remote.NewFactory(creds, exec, rate.NewLimiter(rate.Limit(10), 5))

	// --- Resolve accounts ---
	var accountIDs []string
	if *accountsFlag != "" {
		for _, id := range strings.Split(*accountsFlag, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				accountIDs = append(accountIDs, id)
			}
		}
	} else {
		accounts, err := accountStore.List(ctx)
		if err != nil {
			slog.Error("listing accounts failed", "error", err)
			os.Exit(1)
		}
		for _, acct := range accounts {
			accountIDs = append(accountIDs, acct.ID)
		}
	}

	if len(accountIDs) == 0 {
		slog.Error("no accounts to resync")
		os.Exit(1)
	}
	slog.Info("resolved accounts for resync", "count", len(accountIDs))

	// --- Run Resync ---
	runner := resync.NewRunner(resync.RunnerConfig{
		Identities: reconciler,
		Cursors:    ledgerStore,
		MailFor: func(ctx context.Context, accountID string) (resync.MailLister, error) {
			return factory.Mail(ctx, accountID)
		},
		CalendarFor: func(ctx context.Context, accountID string) (resync.CalendarLister, error) {
			return factory.Calendar(ctx, accountID)
		},
		Publisher: publisher,
		Filter:    dedup.NewFilter(rdb),
	})

	result, err := runner.Run(ctx, resync.Request{
		AccountIDs:   accountIDs,
		Lookback:     lookback,
		MailOnly:     *mailOnly,
		CalendarOnly: *calendarOnly,
	})
	if err != nil {
		slog.Error("resync failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("resync complete",
		"total_created", result.TotalCreated,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
	for _, ar := range result.Accounts {
		slog.Info("account result",
			"account_id", ar.AccountID,
			"created", ar.Created,
			"updated", ar.Updated,
			"skipped", ar.Skipped,
			"errors", ar.Errors,
		)
	}
}
