// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upstream

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRetrySucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	err := retryWith(context.Background(), slog.Default(), "test",
		RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 5},
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &APIError{Upstream: "transcription", StatusCode: 503, Body: "busy"}
			}
			return nil
		}, noSleep)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryAbortsOnTerminal(t *testing.T) {
	calls := 0
	err := retryWith(context.Background(), slog.Default(), "test",
		RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 5},
		func(ctx context.Context) error {
			calls++
			return &APIError{Upstream: "transcription", StatusCode: 401, Body: "bad key"}
		}, noSleep)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if calls != 1 {
		t.Fatalf("terminal failure must not retry, got %d calls", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := retryWith(context.Background(), slog.Default(), "test",
		RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 2},
		func(ctx context.Context) error {
			calls++
			return &APIError{Upstream: "correction", StatusCode: 429, Body: "slow down"}
		}, noSleep)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls (1 + 2 retries), got %d", calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retryWith(ctx, slog.Default(), "test",
		RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxRetries: 5},
		func(ctx context.Context) error {
			calls++
			return nil
		}, noSleep)
	if err == nil {
		t.Fatal("expected context error")
	}
	if calls != 0 {
		t.Fatalf("cancelled context must not call fn, got %d calls", calls)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"status 408", &APIError{StatusCode: 408}, true},
		{"status 429", &APIError{StatusCode: 429}, true},
		{"status 500", &APIError{StatusCode: 500}, true},
		{"status 502", &APIError{StatusCode: 502}, true},
		{"status 503", &APIError{StatusCode: 503}, true},
		{"status 504", &APIError{StatusCode: 504}, true},
		{"status 400", &APIError{StatusCode: 400}, false},
		{"status 401", &APIError{StatusCode: 401}, false},
		{"status 404", &APIError{StatusCode: 404}, false},
		{"status 422", &APIError{StatusCode: 422}, false},
		{"malformed", ErrMalformedResponse, false},
		{"unsupported format", ErrUnsupportedFormat, false},
		{"caller cancel", context.Canceled, false},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
