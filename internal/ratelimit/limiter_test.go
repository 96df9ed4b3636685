package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubCounter struct {
	count int
	err   error
	since time.Time
}

func (s *stubCounter) CountSince(_ context.Context, _ string, since time.Time) (int, error) {
	s.since = since
	return s.count, s.err
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	counter := &stubCounter{count: 5}
	l := NewLimiter(counter, DefaultConfig(), nil)

	d := l.Check(context.Background(), "user-a")
	if !d.Allowed {
		t.Fatalf("expected allowed at count=5")
	}
	if d.Limit != 20 {
		t.Fatalf("expected limit 20, got %d", d.Limit)
	}
	if d.Remaining != 14 {
		t.Fatalf("expected remaining 14 (20-5-1), got %d", d.Remaining)
	}
}

func TestCheckBoundary(t *testing.T) {
	cases := []struct {
		count   int
		allowed bool
	}{
		{count: 19, allowed: true},
		{count: 20, allowed: false},
		{count: 25, allowed: false},
	}
	for _, tc := range cases {
		counter := &stubCounter{count: tc.count}
		l := NewLimiter(counter, DefaultConfig(), nil)
		d := l.Check(context.Background(), "user-a")
		if d.Allowed != tc.allowed {
			t.Fatalf("count=%d: expected allowed=%v, got %v", tc.count, tc.allowed, d.Allowed)
		}
	}
}

func TestCheckRejectionCarriesRetryAfter(t *testing.T) {
	counter := &stubCounter{count: 20}
	l := NewLimiter(counter, Config{MaxRequests: 20, Window: 60 * time.Second}, nil)

	d := l.Check(context.Background(), "user-a")
	if d.Allowed {
		t.Fatalf("expected rejection at the limit")
	}
	if d.RetryAfter != 60*time.Second {
		t.Fatalf("expected retry-after 60s, got %s", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Fatalf("expected remaining 0 on rejection, got %d", d.Remaining)
	}
}

func TestCheckFailsOpenOnCountError(t *testing.T) {
	counter := &stubCounter{err: errors.New("store down")}
	l := NewLimiter(counter, DefaultConfig(), nil)

	d := l.Check(context.Background(), "user-a")
	if !d.Allowed {
		t.Fatalf("count read error must not block traffic")
	}
	if d.Remaining != 19 {
		t.Fatalf("expected remaining computed from count=0, got %d", d.Remaining)
	}
}

func TestCheckWindowStart(t *testing.T) {
	counter := &stubCounter{}
	l := NewLimiter(counter, Config{MaxRequests: 20, Window: 60 * time.Second}, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Check(context.Background(), "user-a")
	want := fixed.Add(-60 * time.Second)
	if !counter.since.Equal(want) {
		t.Fatalf("expected window start %v, got %v", want, counter.since)
	}
}
