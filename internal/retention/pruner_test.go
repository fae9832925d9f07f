package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPruneNowKeepsWindow(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, at := range []time.Time{now.Add(-10 * 24 * time.Hour), now.Add(-8 * 24 * time.Hour), now.Add(-time.Hour)} {
		err := db.RecordOutcome(ctx, queue.Outcome{ActionID: string(rune('a' + i)), ActionType: queue.TypeCreateRequest, Processed: true, Attempts: 1, At: at})
		if err != nil {
			t.Fatal(err)
		}
	}

	p := NewPruner(db, 7*24*time.Hour, nil)
	p.now = func() time.Time { return now }

	if n := p.PruneNow(ctx); n != 2 {
		t.Errorf("PruneNow() = %d, want 2", n)
	}
	entries, err := db.RecentOutcomes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ActionID != "c" {
		t.Errorf("remaining = %+v, want only c", entries)
	}
}

type countingStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingStore) PruneOutcomes(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 0, s.err
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestStartPrunesImmediatelyAndOnTick(t *testing.T) {
	s := &countingStore{}
	p := NewPruner(s, time.Hour, nil)
	p.interval = 10 * time.Millisecond

	p.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("pruned %d times, want at least 3", s.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	after := s.count()
	time.Sleep(30 * time.Millisecond)
	if s.count() != after {
		t.Error("pruner kept running after Stop")
	}
}

func TestZeroRetentionDisables(t *testing.T) {
	s := &countingStore{}
	p := NewPruner(s, 0, nil)
	p.Start(context.Background())
	p.Stop()
	if s.count() != 0 {
		t.Errorf("calls = %d, want 0", s.count())
	}
}

func TestPruneErrorIsSwallowed(t *testing.T) {
	s := &countingStore{err: errors.New("database is locked")}
	p := NewPruner(s, time.Hour, nil)
	if n := p.PruneNow(context.Background()); n != 0 {
		t.Errorf("PruneNow() = %d, want 0", n)
	}
}
