package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crawlgate/crawlgate-gateway/internal/ledger"
)

type stubStore struct {
	deleted   int64
	deleteErr error
	cutoffs   []time.Time
	entries   []ledger.Entry
	recordErr error
}

func (s *stubStore) Record(_ context.Context, entry ledger.Entry) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *stubStore) CountSince(context.Context, string, time.Time) (int, error) { return 0, nil }

func (s *stubStore) ListRecent(context.Context, int) ([]ledger.Entry, error) { return s.entries, nil }

func (s *stubStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoffs = append(s.cutoffs, cutoff)
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	d := s.deleted
	s.deleted = 0
	return d, nil
}

func (s *stubStore) Close() error { return nil }

func TestSweepDeletesAndRecords(t *testing.T) {
	store := &stubStore{deleted: 7}
	s := New(store, 30*24*time.Hour, nil)
	fixed := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	deleted, err := s.Sweep(context.Background(), "admin-1")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", deleted)
	}

	wantCutoff := fixed.Add(-30 * 24 * time.Hour)
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(wantCutoff) {
		t.Fatalf("expected cutoff %v, got %v", wantCutoff, store.cutoffs)
	}

	if len(store.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(store.entries))
	}
	audit := store.entries[0]
	if audit.Function != ledger.FunctionCleanup || !audit.Success || audit.UserID != "admin-1" {
		t.Fatalf("unexpected audit entry %#v", audit)
	}
}

func TestSweepIdempotent(t *testing.T) {
	store := &stubStore{deleted: 3}
	s := New(store, 30*24*time.Hour, nil)

	if _, err := s.Sweep(context.Background(), ServiceUserID); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	deleted, err := s.Sweep(context.Background(), ServiceUserID)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("second sweep with no aged rows must delete 0, got %d", deleted)
	}
}

func TestSweepDeleteErrorIsLoud(t *testing.T) {
	store := &stubStore{deleteErr: errors.New("store down")}
	s := New(store, 30*24*time.Hour, nil)

	if _, err := s.Sweep(context.Background(), ServiceUserID); err == nil {
		t.Fatalf("expected delete error to propagate")
	}
	// The failed sweep still leaves an audit entry.
	if len(store.entries) != 1 || store.entries[0].Success {
		t.Fatalf("expected failed audit entry, got %#v", store.entries)
	}
}
