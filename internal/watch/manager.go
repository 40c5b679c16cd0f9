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

package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/remote"
)

// MailWatcher registers push delivery for a mailbox. Satisfied by
// *remote.Gmail.
type MailWatcher interface {
	Watch(ctx context.Context, topic string) (*remote.WatchInfo, error)
	StopWatch(ctx context.Context) error
}

// CalendarWatcher registers a notification channel for a calendar.
// Satisfied by *remote.Calendar.
type CalendarWatcher interface {
	Watch(ctx context.Context, channelID, address, token string) (*remote.WatchInfo, error)
	StopWatch(ctx context.Context, channelID, resourceID string) error
}

// AccountLister enumerates connected accounts. Satisfied by
// *authz.Store.
type AccountLister interface {
	List(ctx context.Context) ([]authz.Account, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store    *Store
	Accounts AccountLister

	MailFor     func(ctx context.Context, accountID string) (MailWatcher, error)
	CalendarFor func(ctx context.Context, accountID string) (CalendarWatcher, error)

	// PushTopic is the Pub/Sub topic mail watches publish to.
	PushTopic string
	// WebhookURL is the externally reachable base URL, including the
	// shared token, that calendar channels deliver to.
	WebhookURL string
	// Token is embedded as the channel token for calendar channels.
	Token string

	RenewBuffer time.Duration
}

// Manager establishes push registrations for every connected account
// and renews them before expiry. Mail watches are re-issued in place;
// calendar channels cannot be extended, so renewal registers a fresh
// channel and stops the old one.
type Manager struct {
	cfg ManagerConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnWatchEstablished is called after a registration is created or
	// replaced, with the provider's initial cursor when it issues one.
	// Wired by main.go to seed the sync cursor for new accounts.
	OnWatchEstablished func(ctx context.Context, accountID string, source models.Source, cursor string)
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.RenewBuffer <= 0 {
		cfg.RenewBuffer = 12 * time.Hour
	}
	return &Manager{cfg: cfg}
}

// Start ensures registrations exist for all accounts, then runs the
// renewal loop in the background. Per-account failures are logged and
// skipped so one disconnected account cannot block startup.
func (m *Manager) Start(ctx context.Context) error {
	accounts, err := m.cfg.Accounts.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	slog.Info("ensuring push registrations", "accounts", len(accounts))
	for _, acct := range accounts {
		m.ensureAccount(ctx, acct.ID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("watch manager started", "renew_buffer", m.cfg.RenewBuffer)
	return nil
}

// Stop shuts down the renewal loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("watch manager stopped")
}

func (m *Manager) ensureAccount(ctx context.Context, accountID string) {
	for _, source := range []models.Source{models.SourceMail, models.SourceCalendar} {
		if err := m.EnsureWatch(ctx, accountID, source); err != nil {
			level := slog.LevelError
			if errors.Is(err, authz.ErrNoCredential) {
				// Expected until the user reconnects.
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "ensuring push registration failed",
				"account_id", accountID, "source", source, "error", err)
		}
	}
}

// EnsureWatch creates the registration for (account, source) if it is
// missing, and renews it if it is close to expiry.
func (m *Manager) EnsureWatch(ctx context.Context, accountID string, source models.Source) error {
	existing, err := m.cfg.Store.Get(ctx, accountID, source)
	if err != nil {
		return fmt.Errorf("check existing registration: %w", err)
	}
	if existing != nil && existing.Status == StatusActive {
		if time.Until(existing.ExpiresAt) >= m.cfg.RenewBuffer {
			slog.Debug("push registration already active",
				"account_id", accountID, "source", source, "expires_at", existing.ExpiresAt)
			return nil
		}
		slog.Info("renewing near-expiry registration",
			"account_id", accountID, "source", source,
			"expires_in", time.Until(existing.ExpiresAt).Round(time.Minute))
	}
	return m.register(ctx, accountID, source, existing)
}

func (m *Manager) register(ctx context.Context, accountID string, source models.Source, previous *Record) error {
	switch source {
	case models.SourceMail:
		return m.registerMail(ctx, accountID)
	case models.SourceCalendar:
		return m.registerCalendar(ctx, accountID, previous)
	default:
		return fmt.Errorf("unknown source %q", source)
	}
}

func (m *Manager) registerMail(ctx context.Context, accountID string) error {
	w, err := m.cfg.MailFor(ctx, accountID)
	if err != nil {
		return err
	}
	info, err := w.Watch(ctx, m.cfg.PushTopic)
	if err != nil {
		return fmt.Errorf("register mail watch: %w", err)
	}
	rec := Record{
		AccountID: accountID,
		Source:    models.SourceMail,
		ExpiresAt: info.Expiration,
		Status:    StatusActive,
	}
	if err := m.cfg.Store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist mail watch: %w", err)
	}
	slog.Info("mail watch registered",
		"account_id", accountID, "expires_at", info.Expiration, "cursor", info.Cursor)
	m.notifyEstablished(ctx, accountID, models.SourceMail, info.Cursor)
	return nil
}

func (m *Manager) registerCalendar(ctx context.Context, accountID string, previous *Record) error {
	w, err := m.cfg.CalendarFor(ctx, accountID)
	if err != nil {
		return err
	}

	channelID := uuid.NewString()
	info, err := w.Watch(ctx, channelID, m.cfg.WebhookURL+"/hooks/calendar", m.cfg.Token)
	if err != nil {
		return fmt.Errorf("register calendar channel: %w", err)
	}

	rec := Record{
		AccountID:  accountID,
		Source:     models.SourceCalendar,
		ChannelID:  channelID,
		ResourceID: info.ResourceID,
		ExpiresAt:  info.Expiration,
		Status:     StatusActive,
	}
	if err := m.cfg.Store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("persist calendar channel: %w", err)
	}
	slog.Info("calendar channel registered",
		"account_id", accountID, "channel_id", channelID, "expires_at", info.Expiration)

	// The replaced channel keeps firing until stopped. Best effort; it
	// also dies on its own at expiry.
	if previous != nil && previous.ChannelID != "" && previous.ChannelID != channelID {
		if err := w.StopWatch(ctx, previous.ChannelID, previous.ResourceID); err != nil {
			slog.Warn("stopping replaced calendar channel failed",
				"account_id", accountID, "channel_id", previous.ChannelID, "error", err)
		}
	}

	m.notifyEstablished(ctx, accountID, models.SourceCalendar, "")
	return nil
}

// StopAccount tears down both registrations for an account, typically
// on disconnect.
func (m *Manager) StopAccount(ctx context.Context, accountID string) error {
	var firstErr error

	if w, err := m.cfg.MailFor(ctx, accountID); err == nil {
		if err := w.StopWatch(ctx); err != nil {
			firstErr = err
		}
	}
	if rec, err := m.cfg.Store.Get(ctx, accountID, models.SourceCalendar); err == nil && rec != nil && rec.ChannelID != "" {
		if w, err := m.cfg.CalendarFor(ctx, accountID); err == nil {
			if err := w.StopWatch(ctx, rec.ChannelID, rec.ResourceID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, source := range []models.Source{models.SourceMail, models.SourceCalendar} {
		if err := m.cfg.Store.MarkStatus(ctx, accountID, source, StatusStopped); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.cfg.RenewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

func (m *Manager) renewExpiring(ctx context.Context) {
	records, err := m.cfg.Store.ListExpiringSoon(ctx, m.cfg.RenewBuffer)
	if err != nil {
		slog.Error("listing expiring registrations failed", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	slog.Info("renewing expiring registrations", "count", len(records))
	for i := range records {
		rec := records[i]
		if err := m.register(ctx, rec.AccountID, rec.Source, &rec); err != nil {
			slog.Error("renewal failed",
				"account_id", rec.AccountID, "source", rec.Source, "error", err)
		}
	}
}

func (m *Manager) notifyEstablished(ctx context.Context, accountID string, source models.Source, cursor string) {
	if m.OnWatchEstablished != nil {
		m.OnWatchEstablished(ctx, accountID, source, cursor)
	}
}
