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

package ingest

import (
	"fmt"

	"github.com/candorhq/ingestion/internal/models"
)

// MailNotification is the decoded body of a mail push notification:
// which mailbox changed and the history cursor it changed at.
type MailNotification struct {
	EmailAddress string
	HistoryID    string
}

// Calendar resource states sent by the provider.
const (
	ResourceStateSync      = "sync"
	ResourceStateExists    = "exists"
	ResourceStateNotExists = "not_exists"
)

// CalendarNotification is the decoded body of a calendar push
// notification. A "sync" resource state is the provider's handshake
// acknowledgment and carries no changes.
type CalendarNotification struct {
	ChannelID     string
	ResourceID    string
	ResourceURI   string
	ResourceState string
	Expiration    string
	Changed       string
}

// Notification is one inbound push, decided into its source variant once
// at ingress. Exactly one of Mail/Calendar is set, matching Source.
type Notification struct {
	AccountID   string
	Source      models.Source
	EventKind   string
	ExternalKey string
	Payload     []byte

	Mail     *MailNotification
	Calendar *CalendarNotification
}

// Validate checks the variant is well-formed before any mutation occurs.
func (n *Notification) Validate() error {
	if n.AccountID == "" {
		return fmt.Errorf("notification missing account id")
	}
	if !n.Source.Valid() {
		return fmt.Errorf("unknown notification source %q", n.Source)
	}
	if n.ExternalKey == "" {
		return fmt.Errorf("notification missing external key")
	}
	switch n.Source {
	case models.SourceMail:
		if n.Mail == nil || n.Calendar != nil {
			return fmt.Errorf("mail notification missing mail payload")
		}
		if n.Mail.HistoryID == "" {
			return fmt.Errorf("mail notification missing history cursor")
		}
	case models.SourceCalendar:
		if n.Calendar == nil || n.Mail != nil {
			return fmt.Errorf("calendar notification missing calendar payload")
		}
	}
	return nil
}

// Error codes stamped on failed ingestion records. Downstream tooling
// branches on these: cursor_expired triggers a full resync,
// reauthorization_required prompts the user to reconnect.
const (
	ErrCodeCursorExpired  = "cursor_expired"
	ErrCodeReauthRequired = "reauthorization_required"
	ErrCodeUpstream       = "upstream_unavailable"
	ErrCodeTimeout        = "timeout"
	ErrCodeInternal       = "internal"
)

// Result is the caller-facing outcome of one ingestion invocation. The
// webhook handler uses it to shape the provider acknowledgment.
type Result struct {
	Success           bool   `json:"success"`
	IngestionRecordID string `json:"ingestion_record_id,omitempty"`
	Duplicate         bool   `json:"duplicate,omitempty"`
	EntitiesCreated   int    `json:"entities_created"`
	EntitiesUpdated   int    `json:"entities_updated"`
	EntitiesSkipped   int    `json:"entities_skipped,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error,omitempty"`
}
