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

// Package authz issues validated per-account credentials for the remote
// provider API. Tokens live in Postgres; refreshes happen through the
// oauth2 token source and are written back. An account without a usable
// credential fails fast with ErrNoCredential — ingestion must not retry
// its way through a revoked grant.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
)

// ErrNoCredential signals that the account has no valid credential and
// needs reauthorization by the user.
var ErrNoCredential = errors.New("authz: no valid credential for account")

// Account is a connected tenant mailbox/calendar owner.
type Account struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists accounts and their OAuth tokens.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an account store and ensures its schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure account schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id          TEXT PRIMARY KEY,
			email       TEXT NOT NULL UNIQUE,
			oauth_token JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// FindByEmail maps a provider-reported mailbox address to an account.
// Returns nil when no account is connected for that address.
func (s *Store) FindByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, created_at, updated_at
		FROM accounts
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&a.ID, &a.Email, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Get retrieves an account by ID.
func (s *Store) Get(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(&a.ID, &a.Email, &a.CreatedAt, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns all connected accounts.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, created_at, updated_at
		FROM accounts
		ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Email, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// Token returns the stored OAuth token for an account, or nil when none
// exists.
func (s *Store) Token(ctx context.Context, accountID string) (*oauth2.Token, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT oauth_token FROM accounts WHERE id = $1
	`, accountID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &tok, nil
}

// SaveToken persists a (possibly refreshed) token for an account.
func (s *Store) SaveToken(ctx context.Context, accountID string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE accounts SET oauth_token = $2, updated_at = NOW() WHERE id = $1
	`, accountID, raw)
	return err
}

// Credentials builds authenticated HTTP clients per account, refreshing
// and persisting tokens as needed. Implements remote.ClientSource.
type Credentials struct {
	store    *Store
	oauthCfg *oauth2.Config
}

// NewCredentials creates a credential source using the application's
// OAuth client registration.
func NewCredentials(store *Store, clientID, clientSecret string) *Credentials {
	return &Credentials{
		store: store,
		oauthCfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
	}
}

// ClientFor returns an HTTP client carrying a validated credential for
// the account. The token is refreshed eagerly so a revoked grant
// surfaces here as ErrNoCredential instead of as a mid-batch 401.
func (c *Credentials) ClientFor(ctx context.Context, accountID string) (*http.Client, error) {
	stored, err := c.store.Token(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load token for account %s: %w", accountID, err)
	}
	if stored == nil || (stored.RefreshToken == "" && !stored.Valid()) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoCredential)
	}

	src := c.oauthCfg.TokenSource(ctx, stored)
	fresh, err := src.Token()
	if err != nil {
		// Refresh rejected — the grant is expired or revoked.
		return nil, fmt.Errorf("account %s: refresh rejected: %w (%s)", accountID, ErrNoCredential, err)
	}

	if fresh.AccessToken != stored.AccessToken {
		if err := c.store.SaveToken(ctx, accountID, fresh); err != nil {
			slog.Warn("failed to persist refreshed token",
				"account", accountID,
				"error", err,
			)
		}
	}

	persisting := &persistingSource{
		inner:     oauth2.ReuseTokenSource(fresh, src),
		store:     c.store,
		accountID: accountID,
		last:      fresh.AccessToken,
	}
	return oauth2.NewClient(ctx, persisting), nil
}

// persistingSource writes refreshed tokens back to the store so restarts
// do not lose the newest refresh token.
type persistingSource struct {
	inner     oauth2.TokenSource
	store     *Store
	accountID string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.inner.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	changed := tok.AccessToken != p.last
	if changed {
		p.last = tok.AccessToken
	}
	p.mu.Unlock()

	if changed {
		if err := p.store.SaveToken(context.Background(), p.accountID, tok); err != nil {
			slog.Warn("failed to persist refreshed token",
				"account", p.accountID,
				"error", err,
			)
		}
	}
	return tok, nil
}
