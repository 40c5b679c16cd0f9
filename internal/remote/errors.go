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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/candorhq/ingestion/internal/models"
)

// quotaReasons are the Google API error reasons that mark a 403 as a
// throttling condition rather than a permission failure.
var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"dailyLimitExceeded":    true,
}

// APIError is a non-2xx response from the provider API with enough
// structure for the retry executor to classify it without string matching.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("provider API HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}
	return fmt.Sprintf("provider API HTTP %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements retry.StatusCoder.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// QuotaExceeded implements retry.QuotaHinter.
func (e *APIError) QuotaExceeded() bool { return quotaReasons[e.Reason] }

// CursorExpiredError reports that the provider no longer recognises the
// sync cursor. Never retried — the caller needs a full resync, not
// another attempt with the same cursor.
type CursorExpiredError struct {
	Source models.Source
	Cursor string
}

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("%s cursor %q expired or unrecognised", e.Source, e.Cursor)
}

// IsCursorExpired reports whether err is (or wraps) a CursorExpiredError.
func IsCursorExpired(err error) bool {
	var ce *CursorExpiredError
	return errors.As(err, &ce)
}

// decodeAPIError turns a non-2xx provider response into an *APIError.
// Google APIs report errors as {"error": {"code", "message",
// "errors": [{"reason"}]}}.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Errors  []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Message = envelope.Error.Message
		if len(envelope.Error.Errors) > 0 {
			apiErr.Reason = envelope.Error.Errors[0].Reason
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}

	return apiErr
}
