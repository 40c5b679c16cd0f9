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

// Package webhook receives provider push notifications. Mail changes
// arrive as Pub/Sub push envelopes, calendar changes as watch channel
// callbacks. Each request is decoded into a typed notification and run
// through the ingestion pipeline synchronously; the provider gets a 2xx
// acknowledgment for every well-formed request, including internally
// failed ones, so it stops redelivering. Only malformed or
// unauthenticated requests are refused.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/ingest"
	"github.com/candorhq/ingestion/internal/models"
)

const maxBodyBytes = 1 << 20

// pushEnvelope is the Pub/Sub push wrapper around a mail notification.
type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// mailChange is the base64-decoded payload inside the envelope.
type mailChange struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// historyID tolerates both string and numeric encodings, which the
// provider has sent interchangeably.
func (m *mailChange) historyID() string {
	raw := string(m.HistoryID)
	if raw == "" || raw == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(m.HistoryID, &s); err == nil {
			return s
		}
	}
	return raw
}

// calendarChange is the watch channel callback body.
type calendarChange struct {
	ResourceID        string `json:"resourceId"`
	ResourceURI       string `json:"resourceUri"`
	ChannelID         string `json:"channelId"`
	ChannelExpiration string `json:"channelExpiration,omitempty"`
	ResourceState     string `json:"resourceState"`
	Changed           string `json:"changed,omitempty"`
}

// Ingestor runs one notification to a terminal state. Satisfied by
// *ingest.Orchestrator.
type Ingestor interface {
	Ingest(ctx context.Context, n ingest.Notification) ingest.Result
}

// AccountResolver maps a mailbox address to its account. Satisfied by
// *authz.Store.
type AccountResolver interface {
	FindByEmail(ctx context.Context, email string) (*authz.Account, error)
}

// ChannelResolver maps a calendar watch channel to its account.
// Satisfied by *watch.Store.
type ChannelResolver interface {
	AccountForChannel(ctx context.Context, channelID string) (string, error)
}

// Handler terminates provider push requests.
type Handler struct {
	ingestor Ingestor
	accounts AccountResolver
	channels ChannelResolver
	token    string
}

// NewHandler creates a push handler. token is the shared secret embedded
// in the registered webhook URLs; an empty token disables the check.
func NewHandler(ingestor Ingestor, accounts AccountResolver, channels ChannelResolver, token string) *Handler {
	return &Handler{
		ingestor: ingestor,
		accounts: accounts,
		channels: channels,
		token:    token,
	}
}

// ServeMail handles Pub/Sub push deliveries of mailbox change
// notifications.
func (h *Handler) ServeMail(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Message.Data == "" {
		slog.Warn("malformed mail push envelope", "body_len", len(body), "error", err)
		http.Error(w, "malformed push envelope", http.StatusBadRequest)
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		decoded, err = base64.URLEncoding.DecodeString(env.Message.Data)
	}
	if err != nil {
		slog.Warn("mail push data not base64", "error", err)
		http.Error(w, "malformed push data", http.StatusBadRequest)
		return
	}

	var change mailChange
	if err := json.Unmarshal(decoded, &change); err != nil || change.EmailAddress == "" || change.historyID() == "" {
		slog.Warn("malformed mail change payload", "error", err)
		http.Error(w, "malformed change payload", http.StatusBadRequest)
		return
	}

	acct, err := h.accounts.FindByEmail(r.Context(), change.EmailAddress)
	if err != nil {
		slog.Error("account lookup failed", "email", change.EmailAddress, "error", err)
		writeResult(w, ingest.Result{ErrorCode: ingest.ErrCodeInternal, Error: "account lookup failed"})
		return
	}
	if acct == nil {
		// Not an account we track anymore. Ack so the subscription
		// drains instead of redelivering forever.
		slog.Info("mail push for unknown mailbox acknowledged", "email", change.EmailAddress)
		writeResult(w, ingest.Result{Success: true})
		return
	}

	res := h.ingestor.Ingest(r.Context(), ingest.Notification{
		AccountID:   acct.ID,
		Source:      models.SourceMail,
		EventKind:   "mail.changed",
		ExternalKey: env.Message.MessageID,
		Payload:     body,
		Mail: &ingest.MailNotification{
			EmailAddress: change.EmailAddress,
			HistoryID:    change.historyID(),
		},
	})
	writeResult(w, res)
}

// ServeCalendar handles watch channel callbacks for calendar changes.
func (h *Handler) ServeCalendar(w http.ResponseWriter, r *http.Request) {
	if !h.admit(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	var change calendarChange
	if err := json.Unmarshal(body, &change); err != nil || change.ChannelID == "" || change.ResourceState == "" {
		slog.Warn("malformed calendar callback", "body_len", len(body), "error", err)
		http.Error(w, "malformed calendar callback", http.StatusBadRequest)
		return
	}

	accountID, err := h.channels.AccountForChannel(r.Context(), change.ChannelID)
	if err != nil {
		slog.Error("channel lookup failed", "channel_id", change.ChannelID, "error", err)
		writeResult(w, ingest.Result{ErrorCode: ingest.ErrCodeInternal, Error: "channel lookup failed"})
		return
	}
	if accountID == "" {
		// A stale channel we already stopped tracking still fires until
		// it expires upstream.
		slog.Info("callback for unknown channel acknowledged", "channel_id", change.ChannelID)
		writeResult(w, ingest.Result{Success: true})
		return
	}

	res := h.ingestor.Ingest(r.Context(), ingest.Notification{
		AccountID:   accountID,
		Source:      models.SourceCalendar,
		EventKind:   "calendar.changed",
		ExternalKey: calendarKey(r, change),
		Payload:     body,
		Calendar: &ingest.CalendarNotification{
			ChannelID:     change.ChannelID,
			ResourceID:    change.ResourceID,
			ResourceURI:   change.ResourceURI,
			ResourceState: change.ResourceState,
			Expiration:    change.ChannelExpiration,
			Changed:       change.Changed,
		},
	})
	writeResult(w, res)
}

// calendarKey derives the delivery identity of a calendar callback. The
// provider stamps redeliveries with the same message number, so that is
// the preferred key; older payloads without it fall back to the change
// marker.
func calendarKey(r *http.Request, change calendarChange) string {
	if num := r.Header.Get("X-Goog-Message-Number"); num != "" {
		return change.ChannelID + "/" + num
	}
	if change.Changed != "" {
		return change.ChannelID + "/" + change.Changed
	}
	return change.ChannelID + "/" + change.ResourceState
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// admit enforces method and the shared webhook token.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if h.token != "" && r.URL.Query().Get("token") != h.token {
		slog.Warn("webhook request with bad token", "path", r.URL.Path)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// writeResult acks the provider with 200 regardless of the internal
// outcome; the body carries the ingestion result for diagnostics.
func writeResult(w http.ResponseWriter, res ingest.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Debug("writing webhook response failed", "error", err)
	}
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the returned channel before
// accepting connections.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hooks/mail", handler.ServeMail)
	mux.HandleFunc("/hooks/calendar", handler.ServeCalendar)
	mux.HandleFunc("/health", handler.ServeHealth)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
