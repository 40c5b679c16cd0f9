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

// Package remote adapts the upstream mail/calendar provider API into the
// internal data model. All provider schema knowledge lives here; every
// call goes through the retry executor and a shared rate limiter.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/retry"
)

// caller is the transport shared by the Gmail and Calendar clients: an
// authenticated HTTP client, the retry executor, and a request rate
// limiter.
type caller struct {
	httpClient *http.Client
	exec       *retry.Executor
	limiter    *rate.Limiter
}

func newCaller(httpClient *http.Client, exec *retry.Executor, limiter *rate.Limiter) caller {
	if exec == nil {
		exec = retry.Default()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(10), 5)
	}
	if exec.OnRetry == nil {
		exec.OnRetry = func(err error, attempt int, delay time.Duration) {
			slog.Warn("provider call retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}
	}
	return caller{httpClient: httpClient, exec: exec, limiter: limiter}
}

// getJSON fetches url and decodes the 200 body into out. Non-2xx
// responses become *APIError. Retries are handled by the executor.
func (c *caller) getJSON(ctx context.Context, url string, out any) error {
	return c.exec.Do(ctx, func(ctx context.Context) error {
		return c.once(ctx, http.MethodGet, url, nil, out)
	})
}

// postJSON posts body (JSON-encoded, may be nil) to url and decodes the
// response into out (may be nil).
func (c *caller) postJSON(ctx context.Context, url string, body, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}
	return c.exec.Do(ctx, func(ctx context.Context) error {
		return c.once(ctx, http.MethodPost, url, encoded, out)
	})
}

func (c *caller) once(ctx context.Context, method, url string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
