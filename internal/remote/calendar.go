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
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/models"
	"github.com/candorhq/ingestion/internal/retry"
)

// DefaultCalendarBaseURL is the root of the Calendar REST API.
const DefaultCalendarBaseURL = "https://www.googleapis.com/calendar/v3"

// Attendee is one participant of a calendar event.
type Attendee struct {
	Email       string
	DisplayName string
	Self        bool
	Organizer   bool
}

// Event is a calendar event snapshot, translated out of the provider
// payload shape.
type Event struct {
	ID        string
	Status    string
	Summary   string
	StartsAt  time.Time
	UpdatedAt time.Time
	Organizer Attendee
	Attendees []Attendee
}

// Calendar is the remote event source client for the calendar provider.
type Calendar struct {
	caller
	baseURL    string
	calendarID string
}

// NewCalendar creates a Calendar client for the account's primary
// calendar. The httpClient must already carry the account's credential.
func NewCalendar(httpClient *http.Client, exec *retry.Executor, limiter *rate.Limiter) *Calendar {
	return &Calendar{
		caller:     newCaller(httpClient, exec, limiter),
		baseURL:    DefaultCalendarBaseURL,
		calendarID: "primary",
	}
}

type eventsResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Summary string `json:"summary"`
		Updated string `json:"updated"`
		Start   struct {
			DateTime string `json:"dateTime"`
			Date     string `json:"date"`
		} `json:"start"`
		Organizer struct {
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
			Self        bool   `json:"self"`
		} `json:"organizer"`
		Attendees []struct {
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
			Self        bool   `json:"self"`
			Organizer   bool   `json:"organizer"`
			Resource    bool   `json:"resource"`
		} `json:"attendees"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

// RecentEvents lists events updated since the given time. The provider
// reports HTTP 410 when the window or sync position is no longer
// serviceable; that surfaces as *CursorExpiredError.
func (c *Calendar) RecentEvents(ctx context.Context, updatedSince time.Time) ([]Event, error) {
	var (
		events    []Event
		pageToken string
	)

	for {
		params := url.Values{}
		params.Set("updatedMin", updatedSince.UTC().Format(time.RFC3339))
		params.Set("singleEvents", "true")
		params.Set("showDeleted", "false")
		params.Set("maxResults", "100")
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}

		var page eventsResponse
		err := c.getJSON(ctx, fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, c.calendarID, params.Encode()), &page)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusGone {
				return nil, &CursorExpiredError{
					Source: models.SourceCalendar,
					Cursor: updatedSince.UTC().Format(time.RFC3339),
				}
			}
			return nil, fmt.Errorf("list events: %w", err)
		}

		for _, item := range page.Items {
			ev := Event{
				ID:      item.ID,
				Status:  item.Status,
				Summary: item.Summary,
				Organizer: Attendee{
					Email:       item.Organizer.Email,
					DisplayName: item.Organizer.DisplayName,
					Self:        item.Organizer.Self,
					Organizer:   true,
				},
			}
			if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
				ev.UpdatedAt = t.UTC()
			}
			if item.Start.DateTime != "" {
				if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
					ev.StartsAt = t.UTC()
				}
			} else if item.Start.Date != "" {
				if t, err := time.Parse("2006-01-02", item.Start.Date); err == nil {
					ev.StartsAt = t.UTC()
				}
			}
			for _, a := range item.Attendees {
				if a.Resource {
					continue // meeting rooms etc.
				}
				ev.Attendees = append(ev.Attendees, Attendee{
					Email:       a.Email,
					DisplayName: a.DisplayName,
					Self:        a.Self,
					Organizer:   a.Organizer,
				})
			}
			events = append(events, ev)
		}

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

type channelResponse struct {
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

// Watch registers a push channel for the calendar. The channelID must be
// unique per registration; the provider echoes the token back in every
// notification for validation.
func (c *Calendar) Watch(ctx context.Context, channelID, address, token string) (*WatchInfo, error) {
	body := map[string]any{
		"id":      channelID,
		"type":    "web_hook",
		"address": address,
	}
	if token != "" {
		body["token"] = token
	}

	var resp channelResponse
	err := c.postJSON(ctx, fmt.Sprintf("%s/calendars/%s/events/watch", c.baseURL, c.calendarID), body, &resp)
	if err != nil {
		return nil, fmt.Errorf("register watch: %w", err)
	}

	return &WatchInfo{
		ResourceID: resp.ResourceID,
		Expiration: parseEpochMillis(resp.Expiration),
	}, nil
}

// StopWatch tears down a previously registered push channel.
func (c *Calendar) StopWatch(ctx context.Context, channelID, resourceID string) error {
	body := map[string]string{
		"id":         channelID,
		"resourceId": resourceID,
	}
	if err := c.postJSON(ctx, c.baseURL+"/channels/stop", body, nil); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}
