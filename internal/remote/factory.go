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
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/candorhq/ingestion/internal/retry"
)

// ClientSource issues an authenticated HTTP client for an account, or
// fails when no valid credential exists. Implemented by authz.Credentials.
type ClientSource interface {
	ClientFor(ctx context.Context, accountID string) (*http.Client, error)
}

// Factory builds per-account provider clients. All clients share one
// retry executor and one rate limiter so the provider-wide request
// budget holds across concurrent notifications.
type Factory struct {
	creds   ClientSource
	exec    *retry.Executor
	limiter *rate.Limiter
}

// NewFactory creates a source factory. exec and limiter may be nil for
// defaults.
func NewFactory(creds ClientSource, exec *retry.Executor, limiter *rate.Limiter) *Factory {
	if exec == nil {
		exec = retry.Default()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(10), 5)
	}
	return &Factory{creds: creds, exec: exec, limiter: limiter}
}

// Mail returns a Gmail client bound to the account's credential.
func (f *Factory) Mail(ctx context.Context, accountID string) (*Gmail, error) {
	client, err := f.creds.ClientFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credential for account %s: %w", accountID, err)
	}
	return NewGmail(client, f.exec, f.limiter), nil
}

// Calendar returns a Calendar client bound to the account's credential.
func (f *Factory) Calendar(ctx context.Context, accountID string) (*Calendar, error) {
	client, err := f.creds.ClientFor(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("credential for account %s: %w", accountID, err)
	}
	return NewCalendar(client, f.exec, f.limiter), nil
}
