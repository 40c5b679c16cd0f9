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

package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/retry"
)

// DefaultGmailBaseURL is the root of the Gmail REST API.
const DefaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1"

// MessageRef is an added-message reference from the incremental history
// feed. Hydrate it with Gmail.Message.
type MessageRef struct {
	ID string
}

// EmailAddress is a parsed mailbox with an optional display name.
type EmailAddress struct {
	Address string
	Name    string
}

// Message is a hydrated mail snapshot, translated out of the provider
// payload shape.
type Message struct {
	ID         string
	From       EmailAddress
	To         []EmailAddress
	Subject    string
	Snippet    string
	ReceivedAt time.Time
}

// WatchInfo describes a registered push channel.
type WatchInfo struct {
	Cursor     string
	ResourceID string
	Expiration time.Time
}

// Gmail is the remote event source client for the mail provider.
type Gmail struct {
	caller
	baseURL string
}

// NewGmail creates a Gmail client. The httpClient must already carry the
// account's credential.
func NewGmail(httpClient *http.Client, exec *retry.Executor, limiter *rate.Limiter) *Gmail {
	return &Gmail{
		caller:  newCaller(httpClient, exec, limiter),
		baseURL: DefaultGmailBaseURL,
	}
}

type historyResponse struct {
	History []struct {
		ID            string `json:"id"`
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
	HistoryID     string `json:"historyId"`
	NextPageToken string `json:"nextPageToken"`
}

// History returns added-message references recorded after cursor, plus
// the provider's latest cursor. An unrecognised cursor (the provider
// reports HTTP 404 once its history horizon has passed) surfaces as
// *CursorExpiredError.
func (g *Gmail) History(ctx context.Context, cursor string) ([]MessageRef, string, error) {
	var (
		refs      []MessageRef
		latest    = cursor
		pageToken string
	)

	for {
		params := url.Values{}
		params.Set("startHistoryId", cursor)
		params.Set("historyTypes", "messageAdded")
		params.Set("maxResults", "100")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page historyResponse
		err := g.getJSON(ctx, fmt.Sprintf("%s/users/me/history?%s", g.baseURL, params.Encode()), &page)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
				return nil, "", &CursorExpiredError{Source: models.SourceMail, Cursor: cursor}
			}
			return nil, "", fmt.Errorf("fetch history: %w", err)
		}

		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				refs = append(refs, MessageRef{ID: added.Message.ID})
			}
		}
		if page.HistoryID != "" {
			latest = page.HistoryID
		}

		if page.NextPageToken == "" {
			return refs, latest, nil
		}
		pageToken = page.NextPageToken
	}
}

type gmailMessage struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// Message hydrates one added-message reference. Returns (nil, nil) when
// the message has been deleted upstream since the notification.
func (g *Gmail) Message(ctx context.Context, id string) (*Message, error) {
	params := url.Values{}
	params.Set("format", "metadata")
	params.Add("metadataHeaders", "From")
	params.Add("metadataHeaders", "To")
	params.Add("metadataHeaders", "Subject")

	var raw gmailMessage
	err := g.getJSON(ctx, fmt.Sprintf("%s/users/me/messages/%s?%s", g.baseURL, id, params.Encode()), &raw)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			slog.Warn("message not found (may have been deleted)", "message_id", id)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}

	return translateGmailMessage(&raw), nil
}

// translateGmailMessage converts the provider payload into a Message.
func translateGmailMessage(raw *gmailMessage) *Message {
	msg := &Message{ID: raw.ID, Snippet: raw.Snippet}

	if ms, err := strconv.ParseInt(raw.InternalDate, 10, 64); err == nil && ms > 0 {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}

	for _, h := range raw.Payload.Headers {
		switch h.Name {
		case "From":
			msg.From = parseAddress(h.Value)
		case "To":
			if list, err := mail.ParseAddressList(h.Value); err == nil {
				for _, a := range list {
					msg.To = append(msg.To, EmailAddress{Address: a.Address, Name: a.Name})
				}
			}
		case "Subject":
			msg.Subject = h.Value
		}
	}

	return msg
}

// parseAddress extracts one mailbox from a header value, tolerating bare
// addresses that net/mail rejects.
func parseAddress(value string) EmailAddress {
	if addr, err := mail.ParseAddress(value); err == nil {
		return EmailAddress{Address: addr.Address, Name: addr.Name}
	}
	return EmailAddress{Address: models.NormalizeEmail(value)}
}

type profileResponse struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"historyId"`
}

// Profile returns the mailbox address and its current cursor. Used to
// establish a fresh cursor after expiry.
func (g *Gmail) Profile(ctx context.Context) (email, cursor string, err error) {
	var p profileResponse
	if err := g.getJSON(ctx, g.baseURL+"/users/me/profile", &p); err != nil {
		return "", "", fmt.Errorf("fetch profile: %w", err)
	}
	return p.EmailAddress, p.HistoryID, nil
}

type listMessagesResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

// ListRecent returns message IDs received within the lookback window,
// newest first. Used by the full-resync path, not by incremental
// ingestion.
func (g *Gmail) ListRecent(ctx context.Context, lookback time.Duration) ([]MessageRef, error) {
	after := time.Now().UTC().Add(-lookback).Unix()

	var (
		refs      []MessageRef
		pageToken string
	)
	for {
		params := url.Values{}
		params.Set("q", fmt.Sprintf("after:%d", after))
		params.Set("maxResults", "100")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page listMessagesResponse
		if err := g.getJSON(ctx, fmt.Sprintf("%s/users/me/messages?%s", g.baseURL, params.Encode()), &page); err != nil {
			return refs, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range page.Messages {
			refs = append(refs, MessageRef{ID: m.ID})
		}
		if page.NextPageToken == "" {
			return refs, nil
		}
		pageToken = page.NextPageToken
	}
}

type watchResponse struct {
	HistoryID  string `json:"historyId"`
	Expiration string `json:"expiration"`
}

// Watch registers the mailbox for push notifications on the given
// Pub/Sub topic.
func (g *Gmail) Watch(ctx context.Context, topic string) (*WatchInfo, error) {
	body := map[string]any{
		"topicName": topic,
		"labelIds":  []string{"INBOX"},
	}

	var resp watchResponse
	if err := g.postJSON(ctx, g.baseURL+"/users/me/watch", body, &resp); err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	return &WatchInfo{
		Cursor:     resp.HistoryID,
		Expiration: parseEpochMillis(resp.Expiration),
	}, nil
}

// StopWatch unregisters push notifications for the mailbox.
func (g *Gmail) StopWatch(ctx context.Context) error {
	if err := g.postJSON(ctx, g.baseURL+"/users/me/stop", nil, nil); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

// parseEpochMillis parses the provider's string-encoded ms-epoch stamps.
func parseEpochMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
