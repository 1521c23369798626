package provider

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: 30 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{50, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != defaultBaseDelay {
		t.Fatalf("expected default base, got %s", got)
	}
	if got := b.Delay(100); got != defaultMaxDelay {
		t.Fatalf("expected default cap, got %s", got)
	}
}

func TestWaitForReconnectHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !waitForReconnect(ctx, time.Hour) {
		t.Fatal("expected cancelled wait")
	}
	if waitForReconnect(context.Background(), time.Millisecond) {
		t.Fatal("expected completed wait")
	}
}
