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

// Package ledger provides the durable record of every inbound push
// notification. Each record carries a small state machine
// (received → processing → completed/failed, received → duplicate) and
// the receipt order the duplicate decision is based on. The ledger also
// persists the last successfully processed sync cursor per
// (account, source).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/candorhq/ingestion/internal/models"
)

// State is the lifecycle position of one ingestion record.
type State string

const (
	StateReceived   State = "received"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDuplicate  State = "duplicate"
)

// Terminal reports whether no further transition is valid out of s.
// Note that processing is NOT terminal: a record stuck there past a
// staleness threshold is eligible for an external reclaim sweep.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDuplicate
}

// ErrInvalidTransition is returned when a state transition is attempted
// from a state that does not permit it.
var ErrInvalidTransition = errors.New("ledger: invalid state transition")

// Result carries the entity counts of a finished ingestion attempt.
type Result struct {
	Created int
	Updated int
	Skipped int
}

// Record is one inbound notification as persisted.
type Record struct {
	ID          string
	Seq         int64
	AccountID   string
	Source      models.Source
	EventKind   string
	ExternalKey string
	Payload     []byte
	State       State
	Result      Result
	ErrorCode   string
	ErrorDetail string
	ReceivedAt  time.Time
	CompletedAt *time.Time
}

// Store provides ledger operations backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a ledger store and ensures its schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	slog.Info("ingestion ledger initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_records (
			id               UUID PRIMARY KEY,
			seq              BIGSERIAL,
			account_id       TEXT NOT NULL,
			source           TEXT NOT NULL,
			event_kind       TEXT NOT NULL DEFAULT '',
			external_key     TEXT NOT NULL,
			payload          BYTEA,
			state            TEXT NOT NULL DEFAULT 'received',
			entities_created INT NOT NULL DEFAULT 0,
			entities_updated INT NOT NULL DEFAULT 0,
			entities_skipped INT NOT NULL DEFAULT 0,
			error_code       TEXT NOT NULL DEFAULT '',
			error_detail     TEXT NOT NULL DEFAULT '',
			received_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_ingestion_key
			ON ingestion_records(account_id, source, external_key, seq);
		CREATE INDEX IF NOT EXISTS idx_ingestion_state
			ON ingestion_records(account_id, state);

		CREATE TABLE IF NOT EXISTS ingestion_claims (
			account_id   TEXT NOT NULL,
			source       TEXT NOT NULL,
			external_key TEXT NOT NULL,
			record_id    UUID NOT NULL,
			claimed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, source, external_key)
		);

		CREATE TABLE IF NOT EXISTS sync_cursors (
			account_id TEXT NOT NULL,
			source     TEXT NOT NULL,
			cursor     TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, source)
		);
	`)
	return err
}

// RecordReceived appends a new record in state received and returns it
// with its DB-assigned receipt sequence. Every delivery gets a row; the
// at-most-once decision happens afterwards via ClaimFirst.
func (s *Store) RecordReceived(ctx context.Context, accountID string, source models.Source, eventKind, externalKey string, payload []byte) (*Record, error) {
	rec := &Record{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Source:      source,
		EventKind:   eventKind,
		ExternalKey: externalKey,
		Payload:     payload,
		State:       StateReceived,
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_records
			(id, account_id, source, event_kind, external_key, payload, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'received')
		RETURNING seq, received_at
	`, rec.ID, accountID, string(source), eventKind, externalKey, payload).Scan(&rec.Seq, &rec.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ingestion record: %w", err)
	}

	return rec, nil
}

// ClaimFirst takes the at-most-once decision for (accountID, source,
// externalKey) and returns the winning record id. The claim is a single
// INSERT ... ON CONFLICT DO NOTHING on the key's primary key, so under
// concurrent delivery Postgres serializes the in-flight inserts and
// exactly one caller gets its own recordID back; every other caller
// observes the winner's. A min-seq read cannot do this: a row's sequence
// value is assigned before its transaction commits, so the earlier-seq
// row can still be invisible to the later one.
func (s *Store) ClaimFirst(ctx context.Context, accountID string, source models.Source, externalKey, recordID string) (string, error) {
	var winner string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_claims (account_id, source, external_key, record_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, source, external_key) DO NOTHING
		RETURNING record_id
	`, accountID, string(source), externalKey, recordID).Scan(&winner)
	if err == nil {
		return winner, nil
	}
	if err != pgx.ErrNoRows {
		return "", fmt.Errorf("claim ingestion key: %w", err)
	}
	// Lost the claim; the winner's insert is committed and visible.
	err = s.pool.QueryRow(ctx, `
		SELECT record_id FROM ingestion_claims
		WHERE account_id = $1 AND source = $2 AND external_key = $3
	`, accountID, string(source), externalKey).Scan(&winner)
	if err != nil {
		return "", fmt.Errorf("read ingestion claim: %w", err)
	}
	return winner, nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.pool.QueryRow(ctx, selectRecord+` WHERE id = $1`, id)
	return scanRecord(row)
}

// MarkProcessing transitions received → processing.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE ingestion_records
		SET state = 'processing'
		WHERE id = $1 AND state = 'received'
	`, id)
}

// MarkCompleted transitions processing → completed, recording entity
// counts and stamping completed_at.
func (s *Store) MarkCompleted(ctx context.Context, id string, res Result) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_records
		SET state = 'completed',
		    entities_created = $2,
		    entities_updated = $3,
		    entities_skipped = $4,
		    completed_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`, id, res.Created, res.Updated, res.Skipped)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkFailed transitions processing → failed with an error code the
// caller can distinguish (cursor expiry vs reauthorization vs generic).
func (s *Store) MarkFailed(ctx context.Context, id string, code, detail string, res Result) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_records
		SET state = 'failed',
		    entities_created = $2,
		    entities_updated = $3,
		    entities_skipped = $4,
		    error_code = $5,
		    error_detail = $6,
		    completed_at = NOW()
		WHERE id = $1 AND state = 'processing'
	`, id, res.Created, res.Updated, res.Skipped, code, detail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkDuplicate short-circuits received → duplicate without passing
// through processing.
func (s *Store) MarkDuplicate(ctx context.Context, id string) error {
	return s.transition(ctx, `
		UPDATE ingestion_records
		SET state = 'duplicate', completed_at = NOW()
		WHERE id = $1 AND state = 'received'
	`, id)
}

// ListFailed returns recent failed records for an account, newest first.
// Operator-facing: lets support tooling see what needs a resync or a
// reauthorization prompt.
func (s *Store) ListFailed(ctx context.Context, accountID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE account_id = $1 AND state = 'failed'
		ORDER BY received_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListStaleProcessing returns records stuck in processing longer than
// the threshold. Consumed by an external reclaim sweep; processing is
// revisitable by contract.
func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE state = 'processing' AND received_at < NOW() - $1::interval
		ORDER BY received_at
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Cursor returns the last successfully processed cursor for
// (accountID, source), or "" when none has been stored yet.
func (s *Store) Cursor(ctx context.Context, accountID string, source models.Source) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `
		SELECT cursor FROM sync_cursors
		WHERE account_id = $1 AND source = $2
	`, accountID, string(source)).Scan(&cursor)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// SaveCursor upserts the cursor for (accountID, source). Written only
// after a successful ingestion so resumption after a crash is
// well-defined.
func (s *Store) SaveCursor(ctx context.Context, accountID string, source models.Source, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, source, cursor)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, source) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = NOW()
	`, accountID, string(source), cursor)
	return err
}

func (s *Store) transition(ctx context.Context, sql, id string) error {
	tag, err := s.pool.Exec(ctx, sql, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

const selectRecord = `
	SELECT id, seq, account_id, source, event_kind, external_key, payload,
	       state, entities_created, entities_updated, entities_skipped,
	       error_code, error_detail, received_at, completed_at
	FROM ingestion_records
`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r      Record
		source string
		state  string
	)
	err := row.Scan(
		&r.ID, &r.Seq, &r.AccountID, &source, &r.EventKind, &r.ExternalKey,
		&r.Payload, &state, &r.Result.Created, &r.Result.Updated,
		&r.Result.Skipped, &r.ErrorCode, &r.ErrorDetail, &r.ReceivedAt,
		&r.CompletedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Source = models.Source(source)
	r.State = State(state)
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var (
			r      Record
			source string
			state  string
		)
		if err := rows.Scan(
			&r.ID, &r.Seq, &r.AccountID, &source, &r.EventKind, &r.ExternalKey,
			&r.Payload, &state, &r.Result.Created, &r.Result.Updated,
			&r.Result.Skipped, &r.ErrorCode, &r.ErrorDetail, &r.ReceivedAt,
			&r.CompletedAt,
		); err != nil {
			return nil, err
		}
		r.Source = models.Source(source)
		r.State = State(state)
		records = append(records, r)
	}
	return records, rows.Err()
}
