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
)

func newTestCalendar(serverURL string, client *http.Client) *Calendar {
	c := NewCalendar(client, fastExecutor(), nil)
	c.baseURL = serverURL
	return c
}

// TestCalendar_RecentEvents_Translation verifies attendee and time parsing.
func TestCalendar_RecentEvents_Translation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("singleEvents"); got != "true" {
			t.Errorf("singleEvents = %q, want true", got)
		}
		if r.URL.Query().Get("updatedMin") == "" {
			t.Error("updatedMin missing")
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{
					"id":      "ev1",
					"status":  "confirmed",
					"summary": "Planning sync",
					"updated": "2026-08-30T09:00:00Z",
					"start":   map[string]string{"dateTime": "2026-08-31T10:00:00Z"},
					"organizer": map[string]any{
						"email": "owner@example.com",
						"self":  true,
					},
					"attendees": []map[string]any{
						{"email": "owner@example.com", "self": true},
						{"email": "carol@example.com", "displayName": "Carol"},
						{"email": "room-4@example.com", "resource": true},
					},
				},
				{
					"id":     "ev2",
					"status": "confirmed",
					"start":  map[string]string{"date": "2026-09-01"},
				},
			},
		})
	}))
	defer server.Close()

	c := newTestCalendar(server.URL, server.Client())

	events, err := c.RecentEvents(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}

	ev := events[0]
	if !ev.Organizer.Self {
		t.Error("organizer should be self")
	}
	if len(ev.Attendees) != 2 {
		t.Fatalf("attendees = %d, want 2 (resource filtered)", len(ev.Attendees))
	}
	if ev.Attendees[1].Email != "carol@example.com" || ev.Attendees[1].DisplayName != "Carol" {
		t.Errorf("attendee = %+v", ev.Attendees[1])
	}
	if want := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC); !ev.StartsAt.Equal(want) {
		t.Errorf("StartsAt = %s, want %s", ev.StartsAt, want)
	}

	// All-day event uses the date form.
	if want := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC); !events[1].StartsAt.Equal(want) {
		t.Errorf("all-day StartsAt = %s, want %s", events[1].StartsAt, want)
	}
}

// TestCalendar_RecentEvents_Gone verifies 410 maps to CursorExpiredError.
func TestCalendar_RecentEvents_Gone(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error": {"code": 410, "message": "updatedMin too old"}}`))
	}))
	defer server.Close()

	c := newTestCalendar(server.URL, server.Client())

	_, err := c.RecentEvents(context.Background(), time.Now().Add(-30*24*time.Hour))
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

// TestCalendar_RecentEvents_Pagination verifies nextPageToken handling.
func TestCalendar_RecentEvents_Pagination(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"items":         []map[string]any{{"id": "a"}},
				"nextPageToken": "p2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "b"}},
		})
	}))
	defer server.Close()

	c := newTestCalendar(server.URL, server.Client())

	events, err := c.RecentEvents(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != "a" || events[1].ID != "b" {
		t.Errorf("events = %+v", events)
	}
}

// TestCalendar_WatchAndStop verifies channel registration and teardown.
func TestCalendar_WatchAndStop(t *testing.T) {
	var stopBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/calendars/primary/events/watch":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["type"] != "web_hook" {
				t.Errorf("type = %v, want web_hook", body["type"])
			}
			if body["token"] != "shared-secret" {
				t.Errorf("token = %v", body["token"])
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"resourceId": "res-1",
				"expiration": "1700003600000",
			})
		case r.URL.Path == "/channels/stop":
			json.NewDecoder(r.Body).Decode(&stopBody)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := newTestCalendar(server.URL, server.Client())

	info, err := c.Watch(context.Background(), "chan-1", "https://hooks.example.com/hooks/calendar", "shared-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ResourceID != "res-1" {
		t.Errorf("ResourceID = %q, want res-1", info.ResourceID)
	}

	if err := c.StopWatch(context.Background(), "chan-1", "res-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopBody["id"] != "chan-1" || stopBody["resourceId"] != "res-1" {
		t.Errorf("stop body = %+v", stopBody)
	}
}
