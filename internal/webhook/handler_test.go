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

package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/candorhq/ingestion/internal/authz"
	"github.com/candorhq/ingestion/internal/ingest"
	"github.com/candorhq/ingestion/internal/models"
)

type fakeIngestor struct {
	last   *ingest.Notification
	calls  int
	result ingest.Result
}

func (f *fakeIngestor) Ingest(_ context.Context, n ingest.Notification) ingest.Result {
	f.calls++
	f.last = &n
	return f.result
}

type fakeAccounts struct {
	byEmail map[string]*authz.Account
	err     error
}

func (f *fakeAccounts) FindByEmail(_ context.Context, email string) (*authz.Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byEmail[models.NormalizeEmail(email)], nil
}

type fakeChannels struct {
	byChannel map[string]string
}

func (f *fakeChannels) AccountForChannel(_ context.Context, channelID string) (string, error) {
	return f.byChannel[channelID], nil
}

func newTestHandler() (*Handler, *fakeIngestor) {
	ing := &fakeIngestor{result: ingest.Result{Success: true, IngestionRecordID: "rec-1"}}
	h := NewHandler(
		ing,
		&fakeAccounts{byEmail: map[string]*authz.Account{
			"owner@example.com": {ID: "acct-1", Email: "owner@example.com"},
		}},
		&fakeChannels{byChannel: map[string]string{"chan-1": "acct-1"}},
		"s3cret",
	)
	return h, ing
}

func mailEnvelope(t *testing.T, emailAddress string, historyID any) string {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"emailAddress": emailAddress,
		"historyId":    historyID,
	})
	if err != nil {
		t.Fatal(err)
	}
	outer, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":        base64.StdEncoding.EncodeToString(inner),
			"messageId":   "pubsub-123",
			"publishTime": "2026-03-01T12:00:00Z",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(outer)
}

func postMail(h *Handler, body, token string) *httptest.ResponseRecorder {
	url := "/hooks/mail"
	if token != "" {
		url += "?token=" + token
	}
	req := httptest.NewRequest(http.MethodPost, url, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeMail(w, req)
	return w
}

func TestServeMail_DecodesEnvelope(t *testing.T) {
	h, ing := newTestHandler()

	w := postMail(h, mailEnvelope(t, "owner@example.com", "hist-42"), "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ing.calls != 1 {
		t.Fatalf("ingest calls = %d, want 1", ing.calls)
	}
	n := ing.last
	if n.AccountID != "acct-1" || n.Source != models.SourceMail {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.ExternalKey != "pubsub-123" {
		t.Fatalf("external key = %q, want pubsub-123", n.ExternalKey)
	}
	if n.Mail == nil || n.Mail.HistoryID != "hist-42" || n.Mail.EmailAddress != "owner@example.com" {
		t.Fatalf("unexpected mail payload: %+v", n.Mail)
	}

	var res ingest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("response not a result: %v", err)
	}
	if !res.Success || res.IngestionRecordID != "rec-1" {
		t.Fatalf("unexpected response result: %+v", res)
	}
}

func TestServeMail_NumericHistoryID(t *testing.T) {
	h, ing := newTestHandler()

	postMail(h, mailEnvelope(t, "owner@example.com", 987654), "s3cret")
	if ing.last == nil || ing.last.Mail.HistoryID != "987654" {
		t.Fatalf("numeric history id not normalized: %+v", ing.last)
	}
}

func TestServeMail_BadTokenRejected(t *testing.T) {
	h, ing := newTestHandler()

	w := postMail(h, mailEnvelope(t, "owner@example.com", "hist-42"), "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if ing.calls != 0 {
		t.Fatal("unauthenticated request must not reach ingestion")
	}
}

func TestServeMail_MalformedBodyRejected(t *testing.T) {
	h, ing := newTestHandler()

	cases := map[string]string{
		"not json":       "{nope",
		"empty envelope": `{}`,
		"bad base64":     `{"message":{"data":"!!!","messageId":"x"}}`,
		"data not json":  fmt.Sprintf(`{"message":{"data":%q,"messageId":"x"}}`, base64.StdEncoding.EncodeToString([]byte("`"))),
	}
	for name, body := range cases {
		w := postMail(h, body, "s3cret")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
	if ing.calls != 0 {
		t.Fatal("malformed requests must not reach ingestion")
	}
}

func TestServeMail_MissingHistoryIDRejected(t *testing.T) {
	h, ing := newTestHandler()

	cases := map[string]string{
		"absent": `{"emailAddress":"owner@example.com"}`,
		"empty":  `{"emailAddress":"owner@example.com","historyId":""}`,
		"null":   `{"emailAddress":"owner@example.com","historyId":null}`,
	}
	for name, inner := range cases {
		body := fmt.Sprintf(`{"message":{"data":%q,"messageId":"x"}}`, base64.StdEncoding.EncodeToString([]byte(inner)))
		w := postMail(h, body, "s3cret")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, w.Code)
		}
	}
	if ing.calls != 0 {
		t.Fatal("pushes without a history id must not reach ingestion")
	}
}

func TestServeMail_UnknownMailboxAcked(t *testing.T) {
	h, ing := newTestHandler()

	w := postMail(h, mailEnvelope(t, "stranger@example.com", "hist-1"), "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ing.calls != 0 {
		t.Fatal("unknown mailbox must not be ingested")
	}
}

func TestServeMail_InternalFailureStillAcks(t *testing.T) {
	h, ing := newTestHandler()
	ing.result = ingest.Result{ErrorCode: ingest.ErrCodeUpstream, Error: "boom"}

	w := postMail(h, mailEnvelope(t, "owner@example.com", "hist-1"), "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("failed ingestion must still ack 2xx, got %d", w.Code)
	}
	var res ingest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Success || res.ErrorCode != ingest.ErrCodeUpstream {
		t.Fatalf("unexpected response: %+v", res)
	}
}

func TestServeMail_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/hooks/mail?token=s3cret", nil)
	w := httptest.NewRecorder()
	h.ServeMail(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func postCalendar(h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hooks/calendar?token=s3cret", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeCalendar(w, req)
	return w
}

func TestServeCalendar_DecodesCallback(t *testing.T) {
	h, ing := newTestHandler()

	body := `{"resourceId":"res-1","resourceUri":"https://example.com/cal","channelId":"chan-1","resourceState":"exists","changed":"properties"}`
	w := postCalendar(h, body, map[string]string{"X-Goog-Message-Number": "17"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	n := ing.last
	if n == nil || n.Source != models.SourceCalendar || n.AccountID != "acct-1" {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if n.ExternalKey != "chan-1/17" {
		t.Fatalf("external key = %q, want chan-1/17", n.ExternalKey)
	}
	if n.Calendar.ResourceState != ingest.ResourceStateExists || n.Calendar.ResourceID != "res-1" {
		t.Fatalf("unexpected calendar payload: %+v", n.Calendar)
	}
}

func TestServeCalendar_KeyFallsBackToChanged(t *testing.T) {
	h, ing := newTestHandler()

	body := `{"resourceId":"res-1","channelId":"chan-1","resourceState":"sync","changed":"2026-03-01T12:00:00Z"}`
	postCalendar(h, body, nil)
	if ing.last == nil || ing.last.ExternalKey != "chan-1/2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected external key: %+v", ing.last)
	}
}

func TestServeCalendar_MissingChannelRejected(t *testing.T) {
	h, ing := newTestHandler()

	w := postCalendar(h, `{"resourceState":"exists"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if ing.calls != 0 {
		t.Fatal("malformed callback must not be ingested")
	}
}

func TestServeCalendar_UnknownChannelAcked(t *testing.T) {
	h, ing := newTestHandler()

	w := postCalendar(h, `{"channelId":"chan-gone","resourceState":"exists"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ing.calls != 0 {
		t.Fatal("unknown channel must not be ingested")
	}
}

func TestServeHealth(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHealth(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}
