package audit

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAppendAndQuery(t *testing.T) {
	l := NewMemory(100, testLogger())

	l.Append(EntityProposal, "p1", "", "pending", "created")
	l.Append(EntityProposal, "p1", "pending", "tested", "")
	l.Append(EntityModelVersion, "3", "", "trained", "")

	all := l.Records("", 0)
	if len(all) != 3 {
		t.Fatalf("records = %d, want 3", len(all))
	}
	if all[0].ID >= all[1].ID {
		t.Error("record ids should be monotonic")
	}

	proposals := l.Records(EntityProposal, 0)
	if len(proposals) != 2 {
		t.Errorf("proposal records = %d, want 2", len(proposals))
	}

	history := l.ForEntity(EntityProposal, "p1")
	if len(history) != 2 || history[0].To != "pending" || history[1].To != "tested" {
		t.Errorf("unexpected entity history: %+v", history)
	}
}

func TestTailBounded(t *testing.T) {
	l := NewMemory(10, testLogger())
	for i := 0; i < 50; i++ {
		l.Append(EntityProposal, "p", "a", "b", "")
	}
	if got := len(l.Records("", 0)); got != 10 {
		t.Fatalf("tail = %d, want 10", got)
	}
}

func TestSubscribe(t *testing.T) {
	l := NewMemory(100, testLogger())
	ch, cancel := l.Subscribe()
	defer cancel()

	l.Append(EntityProposal, "p1", "", "pending", "")

	select {
	case rec := <-ch:
		if rec.EntityID != "p1" {
			t.Errorf("entity id = %s, want p1", rec.EntityID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive record")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
}

func TestSQLitePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := NewSQLite(path, 100, testLogger())
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer l.Close()

	l.Append(EntityTrainingRun, "run-1", "", "failed", "trainer unavailable")

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("db file not created: %v", err)
	}
	recs := l.Records(EntityTrainingRun, 0)
	if len(recs) != 1 || recs[0].Detail != "trainer unavailable" {
		t.Errorf("unexpected records: %+v", recs)
	}
}
