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

// Package watch provides a Postgres-backed registry of provider push
// registrations and a lifecycle manager that establishes and renews
// them per account. Mail uses a Pub/Sub watch on the mailbox; calendar
// uses a notification channel, which cannot be extended and is replaced
// on renewal.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/candorhq/ingestion/internal/models"
)

// Channel statuses.
const (
	StatusActive  = "active"
	StatusStopped = "stopped"
	StatusExpired = "expired"
)

// Record is one push registration persisted in Postgres. Mail watches
// have no channel or resource id; calendar channels have both.
type Record struct {
	ID         int64
	AccountID  string
	Source     models.Source
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Store provides CRUD operations for push registrations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a watch store backed by the given Postgres pool and
// ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure watch schema: %w", err)
	}
	slog.Info("watch store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS watch_channels (
			id          BIGSERIAL PRIMARY KEY,
			account_id  TEXT NOT NULL,
			source      TEXT NOT NULL,
			channel_id  TEXT DEFAULT '',
			resource_id TEXT DEFAULT '',
			expires_at  TIMESTAMPTZ NOT NULL,
			status      TEXT DEFAULT 'active',
			created_at  TIMESTAMPTZ DEFAULT NOW(),
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(account_id, source)
		);
		CREATE INDEX IF NOT EXISTS idx_watch_channel ON watch_channels(channel_id);
		CREATE INDEX IF NOT EXISTS idx_watch_expires ON watch_channels(expires_at);
	`)
	return err
}

// Upsert inserts or replaces the registration for (account, source).
func (s *Store) Upsert(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watch_channels
			(account_id, source, channel_id, resource_id, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, source) DO UPDATE SET
			channel_id  = EXCLUDED.channel_id,
			resource_id = EXCLUDED.resource_id,
			expires_at  = EXCLUDED.expires_at,
			status      = EXCLUDED.status,
			updated_at  = NOW()
	`, r.AccountID, r.Source, r.ChannelID, r.ResourceID, r.ExpiresAt, r.Status)
	return err
}

// Get retrieves the registration for an account and source.
func (s *Store) Get(ctx context.Context, accountID string, source models.Source) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, source, channel_id, resource_id,
		       expires_at, status, created_at, updated_at
		FROM watch_channels
		WHERE account_id = $1 AND source = $2
	`, accountID, source)
	return scanRecord(row)
}

// AccountForChannel maps an active calendar channel id to its account.
// Returns "" when the channel is unknown or no longer active.
func (s *Store) AccountForChannel(ctx context.Context, channelID string) (string, error) {
	var accountID string
	err := s.pool.QueryRow(ctx, `
		SELECT account_id FROM watch_channels
		WHERE channel_id = $1 AND status = 'active'
	`, channelID).Scan(&accountID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}

// ListExpiringSoon returns active registrations expiring within the
// given buffer.
func (s *Store) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, source, channel_id, resource_id,
		       expires_at, status, created_at, updated_at
		FROM watch_channels
		WHERE status = 'active' AND expires_at < NOW() + $1::interval
		ORDER BY expires_at
	`, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// MarkStatus sets the status of a registration.
func (s *Store) MarkStatus(ctx context.Context, accountID string, source models.Source, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE watch_channels
		SET status = $1, updated_at = NOW()
		WHERE account_id = $2 AND source = $3
	`, status, accountID, source)
	return err
}

// Delete removes a registration.
func (s *Store) Delete(ctx context.Context, accountID string, source models.Source) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM watch_channels WHERE account_id = $1 AND source = $2
	`, accountID, source)
	return err
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.AccountID, &r.Source, &r.ChannelID, &r.ResourceID,
		&r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.AccountID, &r.Source, &r.ChannelID, &r.ResourceID,
			&r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
