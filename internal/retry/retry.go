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

// Package retry provides a bounded exponential-backoff executor for calls
// against the flaky upstream provider API. Transient failures (throttling,
// 5xx, network) are retried with multiplicatively increasing delays; fatal
// failures propagate immediately.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// Observer is invoked once per retry with the failure, the attempt number
// that just failed (1-indexed), and the delay before the next attempt.
// Observers are for logging only; a panicking observer does not break the
// retry loop.
type Observer func(err error, attempt int, delay time.Duration)

// Executor runs operations with exponential backoff. The zero value is not
// usable; construct with New.
type Executor struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable classifies an error as transient. Defaults to Transient.
	Retryable func(error) bool

	// OnRetry is called before each backoff wait.
	OnRetry Observer

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an executor with the given bounds and default classification.
func New(maxRetries int, initial, max time.Duration, multiplier float64) *Executor {
	return &Executor{
		MaxRetries:   maxRetries,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
		Retryable:    Transient,
		sleep:        sleepCtx,
	}
}

// Default returns an executor with the service-wide default policy:
// 3 retries, 500ms initial delay doubling up to 10s.
func Default() *Executor {
	return New(3, 500*time.Millisecond, 10*time.Second, 2)
}

// Delay returns the backoff before retry attempt n (1-indexed):
// min(MaxDelay, InitialDelay × Multiplier^(n-1)).
func (e *Executor) Delay(attempt int) time.Duration {
	d := float64(e.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= e.Multiplier
		if time.Duration(d) >= e.MaxDelay {
			return e.MaxDelay
		}
	}
	if time.Duration(d) > e.MaxDelay {
		return e.MaxDelay
	}
	return time.Duration(d)
}

// Do runs op, retrying transient failures up to MaxRetries times
// (MaxRetries+1 invocations total). A non-retryable error, an exhausted
// budget, or a cancelled context propagates the last failure. The
// in-flight attempt always runs to completion; cancellation is only
// observed between attempts.
func (e *Executor) Do(ctx context.Context, op func(ctx context.Context) error) error {
	retryable := e.Retryable
	if retryable == nil {
		retryable = Transient
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if !retryable(err) || attempt > e.MaxRetries {
			return err
		}

		// The overall notification budget lives on the context; once it
		// is gone there is no point waiting out a backoff.
		if ctx.Err() != nil {
			return err
		}

		delay := e.Delay(attempt)
		e.notify(err, attempt, delay)

		sleep := e.sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		if serr := sleep(ctx, delay); serr != nil {
			return err
		}
	}
}

func (e *Executor) notify(err error, attempt int, delay time.Duration) {
	if e.OnRetry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("retry observer panicked", "panic", r)
		}
	}()
	e.OnRetry(err, attempt, delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
