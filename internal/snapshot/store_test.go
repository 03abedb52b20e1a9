package snapshot

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestStore_TrackAndRestore(t *testing.T) {
	blobBase := t.TempDir()
	store, err := NewStore(blobBase)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	work := t.TempDir()
	writeFile(t, work, "a.txt", "hello")
	writeFile(t, work, "b.txt", "world")

	before, err := store.Track(work)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}

	// Mutate the workspace: change a.txt, add c.txt, delete b.txt.
	writeFile(t, work, "a.txt", "hello, mutated")
	writeFile(t, work, "c.txt", "new file")
	os.Remove(filepath.Join(work, "b.txt"))

	after, err := store.Track(work)
	if err != nil {
		t.Fatalf("Track after mutation: %v", err)
	}

	changed, err := store.Diff(before, after)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	sort.Strings(changed)
	want := []string{"a.txt", "b.txt", "c.txt"}
	if len(changed) != len(want) {
		t.Fatalf("expected changed %v, got %v", want, changed)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("expected changed %v, got %v", want, changed)
		}
	}

	if err := store.Restore(work, before); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	a, _ := os.ReadFile(filepath.Join(work, "a.txt"))
	if string(a) != "hello" {
		t.Fatalf("expected a.txt restored to %q, got %q", "hello", a)
	}
	if _, err := os.Stat(filepath.Join(work, "b.txt")); err != nil {
		t.Fatalf("expected b.txt restored, stat error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "c.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected c.txt removed by restore, stat error: %v", err)
	}
}

func TestStore_DiffUnknownSnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Diff("missing-a", "missing-b"); err == nil {
		t.Fatal("expected error for unknown snapshot ids")
	}
}

func TestStore_GCRetainsMinCount(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	work := t.TempDir()
	writeFile(t, work, "f.txt", "v1")

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := store.Track(work)
		if err != nil {
			t.Fatalf("Track: %v", err)
		}
		ids = append(ids, id)
	}

	removed, err := store.GC(RetainPolicy{MinCount: 2})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if _, err := store.Diff(ids[0], ids[len(ids)-1]); err == nil {
		t.Fatal("expected oldest snapshot to be gone after gc")
	}
	if _, err := store.Diff(ids[len(ids)-2], ids[len(ids)-1]); err != nil {
		t.Fatalf("expected most recent two snapshots retained: %v", err)
	}
}

func TestStore_GCRespectsMaxAge(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	work := t.TempDir()
	writeFile(t, work, "f.txt", "v1")

	id, err := store.Track(work)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	store.snapshots[id].CreatedAt = time.Now().Add(-48 * time.Hour)

	removed, err := store.GC(RetainPolicy{MaxAge: time.Hour, MinCount: 0})
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected aged-out snapshot removed, got removed=%d", removed)
	}
}
