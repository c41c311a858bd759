package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDocSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	doc := crdtdoc.New("a@1")
	for i, r := range "hey" {
		if _, err := doc.InsertLocal(i, r); err != nil {
			t.Fatalf("InsertLocal: %v", err)
		}
	}
	if err := s.PutDoc("a@1", DocSnapshot{Chars: doc.Snapshot(), Counter: doc.Counter()}); err != nil {
		t.Fatalf("PutDoc: %v", err)
	}

	snap, ok, err := s.GetDoc("a@1")
	if err != nil || !ok {
		t.Fatalf("GetDoc: ok=%v err=%v", ok, err)
	}
	restored := crdtdoc.New("a@1")
	restored.Restore("a@1", snap.Chars, snap.Counter)
	if got := string(restored.ToText()); got != "hey" {
		t.Fatalf("restored text = %q, want %q", got, "hey")
	}
	if restored.Counter() != doc.Counter() {
		t.Fatalf("restored counter = %d, want %d", restored.Counter(), doc.Counter())
	}
}

func TestBusSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)

	tc := vclock.Clock{"a@1": 4, "b@2": 2}
	dc := vclock.Clock{"b@2": 2}
	if err := s.PutBus("a@1", BusSnapshot{T: tc, D: dc}); err != nil {
		t.Fatalf("PutBus: %v", err)
	}
	snap, ok, err := s.GetBus("a@1")
	if err != nil || !ok {
		t.Fatalf("GetBus: ok=%v err=%v", ok, err)
	}
	if !snap.T.EqualTo(tc) || !snap.D.EqualTo(dc) {
		t.Fatalf("round trip mismatch: T=%v D=%v", snap.T, snap.D)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, ok, err := s.GetDoc("nobody@0"); ok || err != nil {
		t.Fatalf("expected absent snapshot, got ok=%v err=%v", ok, err)
	}
}

func TestAutosaverThreshold(t *testing.T) {
	dir := t.TempDir()
	a := NewAutosaver(dir, "a@1", 3, nil)

	a.EditApplied("h")
	a.EditApplied("he")
	if _, err := os.Stat(a.Path()); err == nil {
		t.Fatal("file written before threshold reached")
	}
	a.EditApplied("hey")
	got, err := os.ReadFile(a.Path())
	if err != nil {
		t.Fatalf("read autosave: %v", err)
	}
	if string(got) != "hey" {
		t.Fatalf("autosave content = %q", got)
	}
}

func TestAutosaverInstallWritesImmediately(t *testing.T) {
	dir := t.TempDir()
	a := NewAutosaver(dir, "a@1", 100, nil)
	a.Installed("hello")
	got, err := os.ReadFile(a.Path())
	if err != nil {
		t.Fatalf("read autosave: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("autosave content = %q", got)
	}
}
