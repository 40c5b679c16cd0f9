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

// Package identity resolves external contact references into durable
// local identities and records their interactions. Both writes are
// idempotent upserts: resolving the same email twice yields one identity,
// recording the same (account, sourceSystem, sourceId) twice yields one
// interaction and bumps the aggregate stats exactly once.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/candorhq/ingestion/internal/models"
)

// Classifier buckets a newly observed contact. The defaulting rule is a
// product concern, so it is pluggable; the stock implementation puts
// everyone in one bucket.
type Classifier interface {
	Classify(email, displayName string) string
}

// DefaultClassification is the bucket used by the stock classifier.
const DefaultClassification = "general"

type defaultClassifier struct{}

func (defaultClassifier) Classify(string, string) string { return DefaultClassification }

// InteractionInput describes one observed contact occurrence to record.
type InteractionInput struct {
	Kind         models.InteractionKind
	Direction    models.Direction
	Subject      string
	Summary      string
	SourceSystem string
	SourceID     string
	OccurredAt   time.Time
}

// Reconciler maps contact references onto the identity graph in Postgres.
type Reconciler struct {
	pool       *pgxpool.Pool
	classifier Classifier
}

// NewReconciler creates a reconciler and ensures its schema exists.
// classifier may be nil for the default.
func NewReconciler(ctx context.Context, pool *pgxpool.Pool, classifier Classifier) (*Reconciler, error) {
	if classifier == nil {
		classifier = defaultClassifier{}
	}
	r := &Reconciler{pool: pool, classifier: classifier}
	if err := r.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure identity schema: %w", err)
	}
	slog.Info("identity reconciler initialised")
	return r, nil
}

func (r *Reconciler) ensureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS identities (
			id                 UUID PRIMARY KEY,
			account_id         TEXT NOT NULL,
			email              TEXT NOT NULL,
			display_name       TEXT,
			classification     TEXT NOT NULL DEFAULT 'general',
			last_contact_at    TIMESTAMPTZ,
			total_interactions INT NOT NULL DEFAULT 0,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, email)
		);

		CREATE TABLE IF NOT EXISTS interactions (
			id            UUID PRIMARY KEY,
			account_id    TEXT NOT NULL,
			identity_id   UUID NOT NULL REFERENCES identities(id),
			kind          TEXT NOT NULL,
			direction     TEXT NOT NULL,
			subject       TEXT NOT NULL DEFAULT '',
			summary       TEXT NOT NULL DEFAULT '',
			source_system TEXT NOT NULL,
			source_id     TEXT NOT NULL,
			occurred_at   TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, source_system, source_id)
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_identity
			ON interactions(identity_id, occurred_at);
	`)
	return err
}

// ResolveOrCreate returns the identity for (accountID, email), creating
// it on first sight. The email is case-normalised; the upsert rides the
// (account_id, email) unique constraint, so concurrent resolution of the
// same contact converges on one row. An existing display name is never
// overwritten by a hint.
func (r *Reconciler) ResolveOrCreate(ctx context.Context, accountID, email, displayNameHint string) (*models.Identity, error) {
	normalized := models.NormalizeEmail(email)
	if normalized == "" {
		return nil, fmt.Errorf("identity: empty email for account %s", accountID)
	}

	classification := r.classifier.Classify(normalized, displayNameHint)

	row := r.pool.QueryRow(ctx, `
		INSERT INTO identities (id, account_id, email, display_name, classification)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (account_id, email) DO UPDATE SET
			display_name = COALESCE(identities.display_name, NULLIF(EXCLUDED.display_name, '')),
			updated_at   = NOW()
		RETURNING id, account_id, email, display_name, classification,
		          last_contact_at, total_interactions, created_at, updated_at
	`, uuid.New().String(), accountID, normalized, displayNameHint, classification)

	return scanIdentity(row)
}

// RecordInteraction inserts an interaction honouring the
// (account_id, source_system, source_id) uniqueness invariant. A replay
// of an already-recorded key is a no-op that returns the existing row
// with created=false; the identity's last_contact_at (monotonic,
// GREATEST) and total_interactions (+1) move only on a genuine insert,
// inside the same transaction.
func (r *Reconciler) RecordInteraction(ctx context.Context, ident *models.Identity, in InteractionInput) (*models.Interaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := &models.Interaction{
		ID:           uuid.New().String(),
		AccountID:    ident.AccountID,
		IdentityID:   ident.ID,
		Kind:         in.Kind,
		Direction:    in.Direction,
		Subject:      in.Subject,
		Summary:      in.Summary,
		SourceSystem: in.SourceSystem,
		SourceID:     in.SourceID,
		OccurredAt:   in.OccurredAt.UTC(),
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO interactions
			(id, account_id, identity_id, kind, direction, subject, summary,
			 source_system, source_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, source_system, source_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.AccountID, rec.IdentityID, string(rec.Kind), string(rec.Direction),
		rec.Subject, rec.Summary, rec.SourceSystem, rec.SourceID, rec.OccurredAt,
	).Scan(&rec.CreatedAt)

	if err == pgx.ErrNoRows {
		// Replay — return the existing record untouched.
		existing, err := r.findInteraction(ctx, tx, ident.AccountID, in.SourceSystem, in.SourceID)
		if err != nil {
			return nil, false, err
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, false, fmt.Errorf("commit: %w", cerr)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert interaction: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE identities
		SET total_interactions = total_interactions + 1,
		    last_contact_at    = GREATEST(COALESCE(last_contact_at, 'epoch'::timestamptz), $2),
		    updated_at         = NOW()
		WHERE id = $1
		RETURNING total_interactions, last_contact_at
	`, ident.ID, rec.OccurredAt).Scan(&ident.TotalInteractions, &ident.LastContactAt)
	if err != nil {
		return nil, false, fmt.Errorf("bump identity stats: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return rec, true, nil
}

func (r *Reconciler) findInteraction(ctx context.Context, tx pgx.Tx, accountID, sourceSystem, sourceID string) (*models.Interaction, error) {
	var (
		rec       models.Interaction
		kind      string
		direction string
	)
	err := tx.QueryRow(ctx, `
		SELECT id, account_id, identity_id, kind, direction, subject, summary,
		       source_system, source_id, occurred_at, created_at
		FROM interactions
		WHERE account_id = $1 AND source_system = $2 AND source_id = $3
	`, accountID, sourceSystem, sourceID).Scan(
		&rec.ID, &rec.AccountID, &rec.IdentityID, &kind, &direction,
		&rec.Subject, &rec.Summary, &rec.SourceSystem, &rec.SourceID,
		&rec.OccurredAt, &rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("find existing interaction: %w", err)
	}
	rec.Kind = models.InteractionKind(kind)
	rec.Direction = models.Direction(direction)
	return &rec, nil
}

func scanIdentity(row pgx.Row) (*models.Identity, error) {
	var (
		ident       models.Identity
		displayName *string
	)
	err := row.Scan(
		&ident.ID, &ident.AccountID, &ident.Email, &displayName,
		&ident.Classification, &ident.LastContactAt, &ident.TotalInteractions,
		&ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	if displayName != nil {
		ident.DisplayName = *displayName
	}
	return &ident, nil
}
