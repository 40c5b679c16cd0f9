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

// Package resync rebuilds ingestion state for an account by listing
// recent mail and calendar activity directly, without relying on a sync
// cursor. It is the recovery path after a cursor expires, and doubles
// as the initial import for newly connected accounts.
package resync

import (
	"context"
	"log/slog"
	"time"

	"github.com/candorhq/ingestion/internal/identity"
	"github.com/candorhq/ingestion/internal/ingest"
	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/remote"
)

// MailLister lists a mailbox without a cursor. Satisfied by
// *remote.Gmail.
type MailLister interface {
	Profile(ctx context.Context) (email, cursor string, err error)
	ListRecent(ctx context.Context, lookback time.Duration) ([]remote.MessageRef, error)
	Message(ctx context.Context, id string) (*remote.Message, error)
}

// CalendarLister lists recently updated events. Satisfied by
// *remote.Calendar.
type CalendarLister interface {
	RecentEvents(ctx context.Context, updatedSince time.Time) ([]remote.Event, error)
}

// Cursors persists the per-source sync position. Satisfied by
// *ledger.Store.
type Cursors interface {
	SaveCursor(ctx context.Context, accountID string, source models.Source, cursor string) error
}

// Request defines the scope of one resync run.
type Request struct {
	AccountIDs []string
	Lookback   time.Duration
	// MailOnly / CalendarOnly narrow the run; both false means both
	// sources.
	MailOnly     bool
	CalendarOnly bool
}

// AccountResult tracks per-account progress.
type AccountResult struct {
	AccountID string
	Created   int
	Updated   int
	Skipped   int
	Errors    int
}

// Result summarises a completed run.
type Result struct {
	Accounts     []AccountResult
	TotalCreated int
	TotalSkipped int
	Elapsed      time.Duration
}

// RunnerConfig holds runner dependencies.
type RunnerConfig struct {
	Identities ingest.Identities
	Cursors    Cursors

	MailFor     func(ctx context.Context, accountID string) (MailLister, error)
	CalendarFor func(ctx context.Context, accountID string) (CalendarLister, error)

	Publisher ingest.Publisher
	Filter    ingest.EntityFilter
}

// Runner performs cursor-free resynchronisation.
type Runner struct {
	cfg RunnerConfig
	now func() time.Time
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg, now: time.Now}
}

// Run resyncs each requested account. A failing account is counted and
// skipped; it never aborts the rest of the run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := r.now()
	if req.Lookback <= 0 {
		req.Lookback = 7 * 24 * time.Hour
	}

	slog.Info("starting resync", "accounts", len(req.AccountIDs), "lookback", req.Lookback)

	result := &Result{}
	for _, accountID := range req.AccountIDs {
		ar := r.resyncAccount(ctx, accountID, req)
		result.Accounts = append(result.Accounts, ar)
		result.TotalCreated += ar.Created
		result.TotalSkipped += ar.Skipped
	}
	result.Elapsed = time.Since(start)

	slog.Info("resync complete",
		"total_created", result.TotalCreated,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) resyncAccount(ctx context.Context, accountID string, req Request) AccountResult {
	ar := AccountResult{AccountID: accountID}

	if !req.CalendarOnly {
		if err := r.resyncMail(ctx, &ar, req.Lookback); err != nil {
			slog.Error("mail resync failed", "account_id", accountID, "error", err)
			ar.Errors++
		}
	}
	if !req.MailOnly {
		if err := r.resyncCalendar(ctx, &ar, req.Lookback); err != nil {
			slog.Error("calendar resync failed", "account_id", accountID, "error", err)
			ar.Errors++
		}
	}

	slog.Info("account resync complete",
		"account_id", accountID,
		"created", ar.Created, "updated", ar.Updated,
		"skipped", ar.Skipped, "errors", ar.Errors,
	)
	return ar
}

func (r *Runner) resyncMail(ctx context.Context, ar *AccountResult, lookback time.Duration) error {
	src, err := r.cfg.MailFor(ctx, ar.AccountID)
	if err != nil {
		return err
	}

	// The profile read doubles as the fresh cursor: everything at or
	// before it is covered by this listing pass.
	self, freshCursor, err := src.Profile(ctx)
	if err != nil {
		return err
	}
	self = models.NormalizeEmail(self)

	refs, err := src.ListRecent(ctx, lookback)
	if err != nil {
		return err
	}
	slog.Info("resyncing mailbox", "account_id", ar.AccountID, "messages", len(refs))

	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !r.fresh(ctx, ar.AccountID, "gmail", ref.ID) {
			ar.Skipped++
			continue
		}
		msg, err := src.Message(ctx, ref.ID)
		if err != nil {
			slog.Warn("resync message fetch failed", "message_id", ref.ID, "error", err)
			r.forget(ctx, ar.AccountID, "gmail", ref.ID)
			ar.Errors++
			continue
		}
		if msg == nil || msg.From.Address == "" {
			ar.Skipped++
			continue
		}

		counterpart := msg.From
		direction := models.DirectionInbound
		if models.NormalizeEmail(msg.From.Address) == self {
			direction = models.DirectionOutbound
			counterpart = remote.EmailAddress{}
			for _, to := range msg.To {
				if models.NormalizeEmail(to.Address) != self {
					counterpart = to
					break
				}
			}
			if counterpart.Address == "" {
				ar.Skipped++
				continue
			}
		}

		occurred := msg.ReceivedAt
		if occurred.IsZero() {
			occurred = r.now().UTC()
		}
		created, err := r.reconcile(ctx, ar.AccountID, counterpart.Address, counterpart.Name, identity.InteractionInput{
			Kind:         models.InteractionMail,
			Direction:    direction,
			Subject:      msg.Subject,
			Summary:      msg.Snippet,
			SourceSystem: "gmail",
			SourceID:     msg.ID,
			OccurredAt:   occurred,
		})
		if err != nil {
			slog.Warn("resync reconciliation failed", "message_id", ref.ID, "error", err)
			r.forget(ctx, ar.AccountID, "gmail", ref.ID)
			ar.Errors++
			continue
		}
		if created {
			ar.Created++
		} else {
			ar.Updated++
		}
	}

	if r.cfg.Cursors != nil && freshCursor != "" {
		if err := r.cfg.Cursors.SaveCursor(ctx, ar.AccountID, models.SourceMail, freshCursor); err != nil {
			slog.Warn("saving resynced mail cursor failed", "account_id", ar.AccountID, "error", err)
		}
	}
	return nil
}

func (r *Runner) resyncCalendar(ctx context.Context, ar *AccountResult, lookback time.Duration) error {
	src, err := r.cfg.CalendarFor(ctx, ar.AccountID)
	if err != nil {
		return err
	}

	events, err := src.RecentEvents(ctx, r.now().Add(-lookback))
	if err != nil {
		return err
	}
	slog.Info("resyncing calendar", "account_id", ar.AccountID, "events", len(events))

	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ev.Status == "cancelled" {
			continue
		}
		direction := models.DirectionInbound
		if ev.Organizer.Self {
			direction = models.DirectionOutbound
		}
		occurred := ev.StartsAt
		if occurred.IsZero() {
			occurred = ev.UpdatedAt
		}
		for _, att := range ev.Attendees {
			if att.Self || att.Email == "" {
				continue
			}
			sourceID := ev.ID + "/" + models.NormalizeEmail(att.Email)
			if !r.fresh(ctx, ar.AccountID, "google_calendar", sourceID) {
				ar.Skipped++
				continue
			}
			created, err := r.reconcile(ctx, ar.AccountID, att.Email, att.DisplayName, identity.InteractionInput{
				Kind:         models.InteractionMeeting,
				Direction:    direction,
				Subject:      ev.Summary,
				SourceSystem: "google_calendar",
				SourceID:     sourceID,
				OccurredAt:   occurred,
			})
			if err != nil {
				slog.Warn("resync reconciliation failed", "event_id", ev.ID, "error", err)
				r.forget(ctx, ar.AccountID, "google_calendar", sourceID)
				ar.Errors++
				continue
			}
			if created {
				ar.Created++
			} else {
				ar.Updated++
			}
		}
	}

	if r.cfg.Cursors != nil {
		checkpoint := r.now().UTC().Format(time.RFC3339)
		if err := r.cfg.Cursors.SaveCursor(ctx, ar.AccountID, models.SourceCalendar, checkpoint); err != nil {
			slog.Warn("saving resynced calendar cursor failed", "account_id", ar.AccountID, "error", err)
		}
	}
	return nil
}

func (r *Runner) reconcile(ctx context.Context, accountID, email, hint string, in identity.InteractionInput) (bool, error) {
	ident, err := r.cfg.Identities.ResolveOrCreate(ctx, accountID, email, hint)
	if err != nil {
		return false, err
	}
	rec, created, err := r.cfg.Identities.RecordInteraction(ctx, ident, in)
	if err != nil {
		return false, err
	}
	if created && r.cfg.Publisher != nil {
		if err := r.cfg.Publisher.PublishInteraction(ctx, rec); err != nil {
			slog.Warn("publishing resynced interaction failed", "interaction_id", rec.ID, "error", err)
		}
	}
	return created, nil
}

func (r *Runner) fresh(ctx context.Context, accountID, sourceSystem, sourceID string) bool {
	if r.cfg.Filter == nil {
		return true
	}
	isNew, err := r.cfg.Filter.IsNew(ctx, accountID, sourceSystem, sourceID)
	if err != nil {
		slog.Warn("seen-filter check failed", "error", err)
		return true
	}
	return isNew
}

func (r *Runner) forget(ctx context.Context, accountID, sourceSystem, sourceID string) {
	if r.cfg.Filter == nil {
		return
	}
	_ = r.cfg.Filter.Forget(ctx, accountID, sourceSystem, sourceID)
}
