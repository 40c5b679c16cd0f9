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

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// statusErr is a minimal StatusCoder for tests.
type statusErr struct {
	status int
	quota  bool
}

func (e *statusErr) Error() string       { return fmt.Sprintf("HTTP %d", e.status) }
func (e *statusErr) HTTPStatus() int     { return e.status }
func (e *statusErr) QuotaExceeded() bool { return e.quota }

// instrumented returns an executor whose sleeps are recorded instead of slept.
func instrumented(maxRetries int) (*Executor, *[]time.Duration) {
	e := New(maxRetries, 100*time.Millisecond, 1*time.Second, 2)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

// TestDo_RetryBound verifies that an always-transient failure is attempted
// exactly MaxRetries+1 times.
func TestDo_RetryBound(t *testing.T) {
	e, _ := instrumented(3)

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{status: 503}
	})

	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
}

// TestDo_DelaySchedule verifies delay(n) = min(max, initial × mult^(n-1)).
func TestDo_DelaySchedule(t *testing.T) {
	e := New(5, 100*time.Millisecond, 500*time.Millisecond, 2)
	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	_ = e.Do(context.Background(), func(context.Context) error {
		return &statusErr{status: 500}
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond, // capped
		500 * time.Millisecond,
	}
	if len(slept) != len(want) {
		t.Fatalf("slept %d times, want %d", len(slept), len(want))
	}
	for i, d := range want {
		if slept[i] != d {
			t.Errorf("delay(%d) = %s, want %s", i+1, slept[i], d)
		}
	}
}

// TestDo_NonRetryableShortCircuit verifies a 403 (non-quota) is attempted
// exactly once.
func TestDo_NonRetryableShortCircuit(t *testing.T) {
	e, slept := instrumented(3)

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{status: 403}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*slept) != 0 {
		t.Errorf("slept %d times, want 0", len(*slept))
	}
}

// TestDo_SucceedsAfterTransientFailures verifies recovery mid-budget.
func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	e, _ := instrumented(3)

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &statusErr{status: 429}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDo_ObserverReceivesAttempts verifies the observer callback contract.
func TestDo_ObserverReceivesAttempts(t *testing.T) {
	e, _ := instrumented(2)

	type call struct {
		attempt int
		delay   time.Duration
	}
	var observed []call
	e.OnRetry = func(err error, attempt int, delay time.Duration) {
		if err == nil {
			t.Error("observer called with nil error")
		}
		observed = append(observed, call{attempt, delay})
	}

	_ = e.Do(context.Background(), func(context.Context) error {
		return &statusErr{status: 500}
	})

	if len(observed) != 2 {
		t.Fatalf("observer called %d times, want 2", len(observed))
	}
	for i, c := range observed {
		if c.attempt != i+1 {
			t.Errorf("observed attempt %d, want %d", c.attempt, i+1)
		}
		if c.delay != e.Delay(i+1) {
			t.Errorf("observed delay %s, want %s", c.delay, e.Delay(i+1))
		}
	}
}

// TestDo_ObserverPanicDoesNotBreakLoop verifies a panicking observer is
// contained.
func TestDo_ObserverPanicDoesNotBreakLoop(t *testing.T) {
	e, _ := instrumented(2)
	e.OnRetry = func(error, int, time.Duration) {
		panic("observer bug")
	}

	calls := 0
	err := e.Do(context.Background(), func(context.Context) error {
		calls++
		return &statusErr{status: 500}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDo_CancelledContextStopsRetrying verifies that cancellation ends the
// loop after the in-flight attempt.
func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	e := New(5, time.Millisecond, time.Second, 2)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return &statusErr{status: 503}
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestTransient covers the classification table.
func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &statusErr{status: 429}, true},
		{"500", &statusErr{status: 500}, true},
		{"503", &statusErr{status: 503}, true},
		{"401", &statusErr{status: 401}, false},
		{"403", &statusErr{status: 403}, false},
		{"403 quota", &statusErr{status: 403, quota: true}, true},
		{"404", &statusErr{status: 404}, false},
		{"400", &statusErr{status: 400}, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "example.com"}, true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, true},
		{"wrapped 502", fmt.Errorf("fetch page: %w", &statusErr{status: 502}), true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// TestDelay_NoOvershootPastMax verifies the cap holds for large attempts.
func TestDelay_NoOvershootPastMax(t *testing.T) {
	e := New(10, time.Second, 5*time.Second, 3)
	for n := 1; n <= 10; n++ {
		if d := e.Delay(n); d > 5*time.Second {
			t.Errorf("Delay(%d) = %s exceeds max", n, d)
		}
	}
}
