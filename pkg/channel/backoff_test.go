package channel

import (
	"context"
	"testing"
	"time"

	"homeroom/internal/cid"
)

func TestBackoff_DoublesUntilCeiling(t *testing.T) {
	base := 100 * time.Millisecond
	ceiling := time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},  // 1.6s capped
		{10, time.Second}, // far past the cap
	}
	for _, tc := range cases {
		if got := Backoff(tc.attempt, base, ceiling); got != tc.want {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoff_HugeAttemptDoesNotOverflow(t *testing.T) {
	if got := Backoff(63, time.Second, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected ceiling on overflow, got %v", got)
	}
	if got := Backoff(1000, time.Second, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected ceiling on huge attempt, got %v", got)
	}
}

func TestBackoff_ZeroConfigUsesDefaults(t *testing.T) {
	if got := Backoff(0, 0, 0); got != DefaultBackoffBase {
		t.Fatalf("expected default base, got %v", got)
	}
}

func TestBuildDialHeaders(t *testing.T) {
	ctx := cid.WithCID(context.Background(), "cid-123")
	headers := buildDialHeaders(ctx, "homeroom-test/1.0", "tok-1")

	if got := headers["Authorization"]; len(got) != 1 || got[0] != "Bearer tok-1" {
		t.Fatalf("authorization header wrong: %v", got)
	}
	if got := headers["User-Agent"]; len(got) != 1 || got[0] != "homeroom-test/1.0" {
		t.Fatalf("user agent header wrong: %v", got)
	}
	if got := headers[cid.HeaderName]; len(got) != 1 || got[0] != "cid-123" {
		t.Fatalf("cid header wrong: %v", got)
	}
}

func TestBuildDialHeaders_NoTokenNoCID(t *testing.T) {
	headers := buildDialHeaders(context.Background(), "ua", "")
	if _, ok := headers["Authorization"]; ok {
		t.Fatalf("authorization header set without token")
	}
	if _, ok := headers[cid.HeaderName]; ok {
		t.Fatalf("cid header set without cid on context")
	}
}
