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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/candorhq/ingestion/internal/retry"
)

// fastExecutor retries without real sleeps.
func fastExecutor() *retry.Executor {
	return retry.New(2, time.Millisecond, 5*time.Millisecond, 2)
}

func newTestGmail(serverURL string, client *http.Client) *Gmail {
	g := NewGmail(client, fastExecutor(), nil)
	g.baseURL = serverURL
	return g
}

// TestGmail_History_CollectsAddedMessagesAcrossPages verifies pagination
// and cursor advancement.
func TestGmail_History_CollectsAddedMessagesAcrossPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("startHistoryId"); got != "1000" {
			t.Errorf("startHistoryId = %q, want 1000", got)
		}

		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"history": []map[string]any{
					{"id": "1001", "messagesAdded": []map[string]any{
						{"message": map[string]string{"id": "m1"}},
						{"message": map[string]string{"id": "m2"}},
					}},
				},
				"nextPageToken": "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"history": []map[string]any{
				{"id": "1002", "messagesAdded": []map[string]any{
					{"message": map[string]string{"id": "m3"}},
				}},
			},
			"historyId": "1002",
		})
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	refs, cursor, err := g.History(context.Background(), "1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("refs = %d, want 3", len(refs))
	}
	if refs[2].ID != "m3" {
		t.Errorf("refs[2].ID = %q, want m3", refs[2].ID)
	}
	if cursor != "1002" {
		t.Errorf("cursor = %q, want 1002", cursor)
	}
}

// TestGmail_History_ExpiredCursor verifies 404 maps to CursorExpiredError
// without retries.
func TestGmail_History_ExpiredCursor(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": 404, "message": "Requested entity was not found."}}`))
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	_, _, err := g.History(context.Background(), "42")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsCursorExpired(err) {
		t.Errorf("expected CursorExpiredError, got %T: %v", err, err)
	}
	if calls != 1 {
		t.Errorf("upstream called %d times, want 1", calls)
	}
}

// TestGmail_History_RetriesTransientFailures verifies 503 is retried
// through the executor.
func TestGmail_History_RetriesTransientFailures(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"historyId": "50"})
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	refs, cursor, err := g.History(context.Background(), "40")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("refs = %d, want 0", len(refs))
	}
	if cursor != "50" {
		t.Errorf("cursor = %q, want 50", cursor)
	}
	if calls != 3 {
		t.Errorf("upstream called %d times, want 3", calls)
	}
}

// TestGmail_Message_Translation verifies header and timestamp parsing.
func TestGmail_Message_Translation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":           "m1",
			"snippet":      "hello there",
			"internalDate": "1700000000000",
			"payload": map[string]any{
				"headers": []map[string]string{
					{"name": "From", "value": `"Ada Lovelace" <ada@example.com>`},
					{"name": "To", "value": "owner@example.com, Bob <bob@example.com>"},
					{"name": "Subject", "value": "Re: engines"},
				},
			},
		})
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	msg, err := g.Message(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.From.Address != "ada@example.com" || msg.From.Name != "Ada Lovelace" {
		t.Errorf("From = %+v", msg.From)
	}
	if len(msg.To) != 2 {
		t.Fatalf("To = %d recipients, want 2", len(msg.To))
	}
	if msg.Subject != "Re: engines" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	want := time.UnixMilli(1700000000000).UTC()
	if !msg.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %s, want %s", msg.ReceivedAt, want)
	}
}

// TestGmail_Message_DeletedReturnsNil verifies a 404 detail fetch is not
// an error.
func TestGmail_Message_DeletedReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	msg, err := g.Message(context.Background(), "gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %+v", msg)
	}
}

// TestGmail_Watch verifies watch registration parsing.
func TestGmail_Watch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["topicName"] != "projects/p/topics/mail" {
			t.Errorf("topicName = %v", body["topicName"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"historyId":  "777",
			"expiration": "1700000600000",
		})
	}))
	defer server.Close()

	g := newTestGmail(server.URL, server.Client())

	info, err := g.Watch(context.Background(), "projects/p/topics/mail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Cursor != "777" {
		t.Errorf("Cursor = %q, want 777", info.Cursor)
	}
	if want := time.UnixMilli(1700000600000).UTC(); !info.Expiration.Equal(want) {
		t.Errorf("Expiration = %s, want %s", info.Expiration, want)
	}
}

// TestParseAddress_BareAddress verifies fallback for unparseable headers.
func TestParseAddress_BareAddress(t *testing.T) {
	got := parseAddress("BOUNCES@Example.COM ")
	if got.Address != "bounces@example.com" {
		t.Errorf("Address = %q", got.Address)
	}
}

// TestDecodeAPIError_QuotaReason verifies quota 403s classify as transient.
func TestDecodeAPIError_QuotaReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error": {"code": 403, "message": "Rate limit exceeded", "errors": [{"reason": "userRateLimitExceeded"}]}}`))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	apiErr, ok := decodeAPIError(resp).(*APIError)
	if !ok {
		t.Fatal("expected *APIError")
	}
	if !apiErr.QuotaExceeded() {
		t.Error("QuotaExceeded() = false, want true")
	}
	if !retry.Transient(apiErr) {
		t.Error("quota 403 should be transient")
	}

	plain := &APIError{StatusCode: http.StatusForbidden, Reason: "forbidden"}
	if retry.Transient(plain) {
		t.Error("plain 403 should not be transient")
	}
}
