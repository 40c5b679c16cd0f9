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

// Package models defines the data structures shared across the ingestion service.
package models

import (
	"strings"
	"time"
)

// Source identifies which upstream push channel produced a notification.
type Source string

const (
	SourceMail     Source = "mail_push"
	SourceCalendar Source = "calendar_push"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceMail || s == SourceCalendar
}

// InteractionKind classifies an observed contact occurrence.
type InteractionKind string

const (
	InteractionMail    InteractionKind = "mail"
	InteractionMeeting InteractionKind = "meeting"
)

// Direction records whether the account owner received or initiated
// the interaction.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Identity is a deduplicated external contact. (AccountID, lowercase
// email) is unique; LastContactAt and TotalInteractions only move
// forward.
type Identity struct {
	ID                string     `json:"id"`
	AccountID         string     `json:"account_id"`
	Email             string     `json:"email"`
	DisplayName       string     `json:"display_name,omitempty"`
	Classification    string     `json:"classification"`
	LastContactAt     *time.Time `json:"last_contact_at,omitempty"`
	TotalInteractions int        `json:"total_interactions"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Interaction is one observed contact occurrence, such as a received
// mail or a calendar meeting. (AccountID, SourceSystem, SourceID) is unique, which
// makes reconciliation replays no-ops.
type Interaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	IdentityID   string          `json:"identity_id"`
	Kind         InteractionKind `json:"kind"`
	Direction    Direction       `json:"direction"`
	Subject      string          `json:"subject,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	SourceSystem string          `json:"source_system"`
	SourceID     string          `json:"source_id"`
	OccurredAt   time.Time       `json:"occurred_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NormalizeEmail lowercases and trims an address for use as a match key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
