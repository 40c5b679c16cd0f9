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

// Package ingest drives one push notification from receipt to a terminal
// ledger state: duplicate suppression, upstream fetch, identity
// reconciliation, and cursor advancement.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/identity"
	"github.com/candorhq/ingestion/internal/ledger"
	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/remote"
	"github.com/candorhq/ingestion/internal/retry"
)

const (
	// DefaultTimeout bounds a single notification end to end. Work not
	// finished by then is marked failed; a later delivery retries it.
	DefaultTimeout = 60 * time.Second

	// DefaultCalendarWindow is how far back a calendar change
	// notification looks for updated events.
	DefaultCalendarWindow = 24 * time.Hour

	sourceSystemMail     = "gmail"
	sourceSystemCalendar = "google_calendar"
)

// Ledger is the subset of the ingestion record store the orchestrator
// drives. Satisfied by *ledger.Store.
type Ledger interface {
	RecordReceived(ctx context.Context, accountID string, source models.Source, eventKind, externalKey string, payload []byte) (*ledger.Record, error)
	ClaimFirst(ctx context.Context, accountID string, source models.Source, externalKey, recordID string) (string, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, res ledger.Result) error
	MarkFailed(ctx context.Context, id string, code, detail string, res ledger.Result) error
	MarkDuplicate(ctx context.Context, id string) error
	Cursor(ctx context.Context, accountID string, source models.Source) (string, error)
	SaveCursor(ctx context.Context, accountID string, source models.Source, cursor string) error
}

// Identities is the contact reconciliation surface. Satisfied by
// *identity.Reconciler.
type Identities interface {
	ResolveOrCreate(ctx context.Context, accountID, email, displayNameHint string) (*models.Identity, error)
	RecordInteraction(ctx context.Context, ident *models.Identity, in identity.InteractionInput) (*models.Interaction, bool, error)
}

// MailSource reads mailbox changes. Satisfied by *remote.Gmail.
type MailSource interface {
	History(ctx context.Context, cursor string) ([]remote.MessageRef, string, error)
	Message(ctx context.Context, id string) (*remote.Message, error)
}

// CalendarSource reads recently updated events. Satisfied by
// *remote.Calendar.
type CalendarSource interface {
	RecentEvents(ctx context.Context, updatedSince time.Time) ([]remote.Event, error)
}

// Accounts resolves account records, used to recognize the owner's own
// address in fetched items. Satisfied by *authz.Store.
type Accounts interface {
	Get(ctx context.Context, accountID string) (*authz.Account, error)
}

// Publisher pushes recorded interactions to downstream consumers.
// Satisfied by *queue.Publisher.
type Publisher interface {
	PublishInteraction(ctx context.Context, rec *models.Interaction) error
}

// EntityFilter short-circuits detail fetches for items already seen.
// Satisfied by *dedup.Filter.
type EntityFilter interface {
	IsNew(ctx context.Context, accountID, sourceSystem, sourceID string) (bool, error)
	Forget(ctx context.Context, accountID, sourceSystem, sourceID string) error
}

// Config wires an Orchestrator. Ledger, Identities, Accounts and the two
// source constructors are required; Publisher and Filter are optional.
type Config struct {
	Ledger     Ledger
	Identities Identities
	Accounts   Accounts

	// MailFor and CalendarFor build an authenticated source for the
	// account. A credential failure surfaces as authz.ErrNoCredential.
	MailFor     func(ctx context.Context, accountID string) (MailSource, error)
	CalendarFor func(ctx context.Context, accountID string) (CalendarSource, error)

	Publisher Publisher
	Filter    EntityFilter

	Timeout        time.Duration
	CalendarWindow time.Duration
	Logger         *slog.Logger
}

// Orchestrator processes notifications. Safe for concurrent use.
type Orchestrator struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

func New(cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CalendarWindow <= 0 {
		cfg.CalendarWindow = DefaultCalendarWindow
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, log: log, now: time.Now}
}

// Ingest runs one notification to a terminal state. Whatever happens
// upstream, the ledger record it creates ends up completed, failed, or
// duplicate; the returned Result mirrors that record.
func (o *Orchestrator) Ingest(ctx context.Context, n Notification) Result {
	if err := n.Validate(); err != nil {
		return Result{ErrorCode: ErrCodeInternal, Error: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	// Terminal-state writes must land even after the processing budget
	// is spent, or the record would be stuck in "processing".
	finCtx, finCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finCancel()

	rec, err := o.cfg.Ledger.RecordReceived(ctx, n.AccountID, n.Source, n.EventKind, n.ExternalKey, n.Payload)
	if err != nil {
		o.log.Error("recording notification failed", "account_id", n.AccountID, "source", n.Source, "error", err)
		return Result{ErrorCode: ErrCodeInternal, Error: "recording notification: " + err.Error()}
	}
	log := o.log.With("record_id", rec.ID, "account_id", rec.AccountID, "source", rec.Source)

	winnerID, err := o.cfg.Ledger.ClaimFirst(ctx, n.AccountID, n.Source, n.ExternalKey, rec.ID)
	if err != nil {
		return o.fail(finCtx, log, rec, ledger.Result{}, err)
	}
	if winnerID != rec.ID {
		if err := o.cfg.Ledger.MarkDuplicate(finCtx, rec.ID); err != nil {
			log.Error("marking duplicate failed", "error", err)
		}
		log.Info("duplicate delivery suppressed", "external_key", n.ExternalKey, "first_record_id", winnerID)
		return Result{Success: true, IngestionRecordID: rec.ID, Duplicate: true}
	}

	if err := o.cfg.Ledger.MarkProcessing(ctx, rec.ID); err != nil {
		log.Error("marking processing failed", "error", err)
		return Result{IngestionRecordID: rec.ID, ErrorCode: ErrCodeInternal, Error: err.Error()}
	}

	var res ledger.Result
	var procErr error
	switch n.Source {
	case models.SourceMail:
		res, procErr = o.processMail(ctx, log, rec, n.Mail)
	case models.SourceCalendar:
		res, procErr = o.processCalendar(ctx, log, rec, n.Calendar)
	}
	if procErr != nil {
		return o.fail(finCtx, log, rec, res, procErr)
	}

	if err := o.cfg.Ledger.MarkCompleted(finCtx, rec.ID, res); err != nil {
		log.Error("marking completed failed", "error", err)
	}
	log.Info("notification ingested",
		"created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
	return Result{
		Success:           true,
		IngestionRecordID: rec.ID,
		EntitiesCreated:   res.Created,
		EntitiesUpdated:   res.Updated,
		EntitiesSkipped:   res.Skipped,
	}
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, rec *ledger.Record, res ledger.Result, cause error) Result {
	code := classify(cause)
	if err := o.cfg.Ledger.MarkFailed(ctx, rec.ID, code, cause.Error(), res); err != nil {
		log.Error("marking failed failed", "error", err)
	}
	log.Warn("notification ingestion failed", "error_code", code, "error", cause)
	return Result{
		IngestionRecordID: rec.ID,
		EntitiesCreated:   res.Created,
		EntitiesUpdated:   res.Updated,
		EntitiesSkipped:   res.Skipped,
		ErrorCode:         code,
		Error:             cause.Error(),
	}
}

func classify(err error) string {
	switch {
	case remote.IsCursorExpired(err):
		return ErrCodeCursorExpired
	case errors.Is(err, authz.ErrNoCredential):
		return ErrCodeReauthRequired
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case retry.Transient(err):
		return ErrCodeUpstream
	default:
		return ErrCodeInternal
	}
}

func (o *Orchestrator) processMail(ctx context.Context, log *slog.Logger, rec *ledger.Record, mn *MailNotification) (ledger.Result, error) {
	var res ledger.Result

	src, err := o.cfg.MailFor(ctx, rec.AccountID)
	if err != nil {
		return res, err
	}

	// Prefer the cursor we advanced to last time; the notification's
	// own cursor only seeds the very first sync.
	cursor, err := o.cfg.Ledger.Cursor(ctx, rec.AccountID, models.SourceMail)
	if err != nil {
		return res, err
	}
	if cursor == "" {
		cursor = mn.HistoryID
	}

	refs, latest, err := src.History(ctx, cursor)
	if err != nil {
		return res, err
	}

	self := o.selfAddress(ctx, rec.AccountID, mn.EmailAddress)

	for _, ref := range refs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		// A prefilter hit means the item was reconciled by an earlier
		// delivery. That is a no-op replay, not a skip: Skipped is
		// reserved for items that failed extraction, so operators can
		// query it for repeat offenders.
		if o.alreadySeen(ctx, rec.AccountID, sourceSystemMail, ref.ID) {
			res.Updated++
			continue
		}
		created, updated, err := o.ingestMessage(ctx, rec.AccountID, self, src, ref.ID)
		if err != nil {
			log.Warn("message ingestion skipped", "message_id", ref.ID, "error", err)
			o.forget(ctx, rec.AccountID, sourceSystemMail, ref.ID)
			res.Skipped++
			continue
		}
		res.Created += created
		res.Updated += updated
	}

	if latest != "" && latest != cursor {
		if err := o.cfg.Ledger.SaveCursor(ctx, rec.AccountID, models.SourceMail, latest); err != nil {
			// Reprocessing from the stale cursor is idempotent, so this
			// is not worth failing the whole notification over.
			log.Warn("saving mail cursor failed", "cursor", latest, "error", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) ingestMessage(ctx context.Context, accountID, self string, src MailSource, messageID string) (created, updated int, err error) {
	msg, err := src.Message(ctx, messageID)
	if err != nil {
		return 0, 0, err
	}
	if msg == nil {
		// Deleted between the history read and the fetch.
		return 0, 0, nil
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
	}
	if counterpart.Address == "" {
		return 0, 0, nil
	}

	occurred := msg.ReceivedAt
	if occurred.IsZero() {
		occurred = o.now().UTC()
	}

	ident, err := o.cfg.Identities.ResolveOrCreate(ctx, accountID, counterpart.Address, counterpart.Name)
	if err != nil {
		return 0, 0, err
	}
	interaction, fresh, err := o.cfg.Identities.RecordInteraction(ctx, ident, identity.InteractionInput{
		Kind:         models.InteractionMail,
		Direction:    direction,
		Subject:      msg.Subject,
		Summary:      msg.Snippet,
		SourceSystem: sourceSystemMail,
		SourceID:     msg.ID,
		OccurredAt:   occurred,
	})
	if err != nil {
		return 0, 0, err
	}
	if !fresh {
		return 0, 1, nil
	}
	o.publish(ctx, interaction)
	return 1, 0, nil
}

func (o *Orchestrator) processCalendar(ctx context.Context, log *slog.Logger, rec *ledger.Record, cn *CalendarNotification) (ledger.Result, error) {
	var res ledger.Result

	// The registration handshake confirms the channel and carries no
	// changes; acknowledge it without touching the upstream API.
	if cn.ResourceState == ResourceStateSync {
		log.Info("calendar channel handshake acknowledged", "channel_id", cn.ChannelID)
		return res, nil
	}

	src, err := o.cfg.CalendarFor(ctx, rec.AccountID)
	if err != nil {
		return res, err
	}

	since := o.now().Add(-o.cfg.CalendarWindow)
	if saved, err := o.cfg.Ledger.Cursor(ctx, rec.AccountID, models.SourceCalendar); err == nil && saved != "" {
		if t, perr := time.Parse(time.RFC3339, saved); perr == nil && t.After(since) {
			since = t
		}
	}

	events, err := src.RecentEvents(ctx, since)
	if err != nil {
		return res, err
	}

	self := o.selfAddress(ctx, rec.AccountID, "")

	for _, ev := range events {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if ev.Status == "cancelled" {
			continue
		}
		created, updated, skipped := o.ingestEvent(ctx, log, rec.AccountID, self, ev)
		res.Created += created
		res.Updated += updated
		res.Skipped += skipped
	}

	checkpoint := o.now().UTC().Format(time.RFC3339)
	if err := o.cfg.Ledger.SaveCursor(ctx, rec.AccountID, models.SourceCalendar, checkpoint); err != nil {
		log.Warn("saving calendar cursor failed", "error", err)
	}
	return res, nil
}

func (o *Orchestrator) ingestEvent(ctx context.Context, log *slog.Logger, accountID, self string, ev remote.Event) (created, updated, skipped int) {
	direction := models.DirectionInbound
	if ev.Organizer.Self || models.NormalizeEmail(ev.Organizer.Email) == self {
		direction = models.DirectionOutbound
	}
	occurred := ev.StartsAt
	if occurred.IsZero() {
		occurred = ev.UpdatedAt
	}

	for _, att := range ev.Attendees {
		if att.Self || att.Email == "" || models.NormalizeEmail(att.Email) == self {
			continue
		}
		// One interaction per (event, attendee) pair so a replayed
		// event never double-counts anyone.
		sourceID := ev.ID + "/" + models.NormalizeEmail(att.Email)
		if o.alreadySeen(ctx, accountID, sourceSystemCalendar, sourceID) {
			updated++
			continue
		}
		ident, err := o.cfg.Identities.ResolveOrCreate(ctx, accountID, att.Email, att.DisplayName)
		if err != nil {
			log.Warn("attendee ingestion skipped", "event_id", ev.ID, "error", err)
			o.forget(ctx, accountID, sourceSystemCalendar, sourceID)
			skipped++
			continue
		}
		interaction, fresh, err := o.cfg.Identities.RecordInteraction(ctx, ident, identity.InteractionInput{
			Kind:         models.InteractionMeeting,
			Direction:    direction,
			Subject:      ev.Summary,
			SourceSystem: sourceSystemCalendar,
			SourceID:     sourceID,
			OccurredAt:   occurred,
		})
		if err != nil {
			log.Warn("attendee ingestion skipped", "event_id", ev.ID, "error", err)
			o.forget(ctx, accountID, sourceSystemCalendar, sourceID)
			skipped++
			continue
		}
		if fresh {
			o.publish(ctx, interaction)
			created++
		} else {
			updated++
		}
	}
	return created, updated, skipped
}

// selfAddress resolves the owner's normalized address, preferring the
// one carried in the notification over a store lookup.
func (o *Orchestrator) selfAddress(ctx context.Context, accountID, hint string) string {
	if hint != "" {
		return models.NormalizeEmail(hint)
	}
	acct, err := o.cfg.Accounts.Get(ctx, accountID)
	if err != nil || acct == nil {
		return ""
	}
	return models.NormalizeEmail(acct.Email)
}

func (o *Orchestrator) alreadySeen(ctx context.Context, accountID, sourceSystem, sourceID string) bool {
	if o.cfg.Filter == nil {
		return false
	}
	fresh, err := o.cfg.Filter.IsNew(ctx, accountID, sourceSystem, sourceID)
	if err != nil {
		// A dead filter must not stall ingestion; the database unique
		// constraint still prevents double-counting.
		return false
	}
	return !fresh
}

func (o *Orchestrator) forget(ctx context.Context, accountID, sourceSystem, sourceID string) {
	if o.cfg.Filter == nil {
		return
	}
	if err := o.cfg.Filter.Forget(ctx, accountID, sourceSystem, sourceID); err != nil {
		o.log.Debug("clearing seen marker failed", "source_id", sourceID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, rec *models.Interaction) {
	if o.cfg.Publisher == nil {
		return
	}
	if err := o.cfg.Publisher.PublishInteraction(ctx, rec); err != nil {
		o.log.Warn("publishing interaction failed", "interaction_id", rec.ID, "error", err)
	}
}
