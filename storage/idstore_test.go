package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", s.Len())
	}
}

func TestLoadCorruptFile(t *testing.T) {
	cases := map[string]string{
		"garbage":       "not json at all",
		"array":         `["a","b"]`,
		"number value":  `{"A": 1}`,
		"truncated":     `{"A": "IFXGene:AAAAAAA"`,
		"empty file":    ``,
		"trailing":      `{"A": "IFXGene:AAAAAAA"} {}`,
		"duplicate id":  `{"A": "IFXGene:AAAAAAA", "B": "IFXGene:AAAAAAA"}`,
		"duplicate key": `{"A": "IFXGene:AAAAAAA", "A": "IFXGene:BBBBBBB"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "map.json")
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			var ce *CorruptStoreError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CorruptStoreError, got %v", err)
			}
			if ce.Path != path {
				t.Fatalf("Path = %q", ce.Path)
			}
		})
	}
}

func TestCorruptLifecycleSidecarKeepsMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	os.WriteFile(path, []byte(`{"A": "IFXGene:AAAAAAA"}`), 0o644)
	os.WriteFile(LifecyclePath(path), []byte(`{broken`), 0o644)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("map must load despite broken sidecar: %v", err)
	}
	if id, ok := s.Lookup("A"); !ok || id != "IFXGene:AAAAAAA" {
		t.Fatalf("Lookup = %q %v", id, ok)
	}
	if e, _ := s.Entry("A"); !e.CreatedAt.IsZero() {
		t.Fatalf("stamps should be dropped: %+v", e)
	}
	var ce *CorruptStoreError
	if !errors.As(s.StampError(), &ce) || ce.Path != LifecyclePath(path) {
		t.Fatalf("StampError = %v", s.StampError())
	}
}

func TestSidecarAheadOfMapIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	old := NewIDStore()
	if err := old.Assign("A", "IFXGene:AAAAAAA", t0); err != nil {
		t.Fatal(err)
	}
	if err := old.Persist(path); err != nil {
		t.Fatal(err)
	}
	// Begleitdatei eines Laufs, der vor dem Umbenennen der Map abbrach
	lc := `[{"key":"A","id":"IFXGene:AAAAAAA","createdAt":"2025-03-01T12:00:00Z","updatedAt":"2025-03-01T12:00:00Z"},` +
		`{"key":"B","id":"IFXGene:BBBBBBB","createdAt":"2025-03-01T13:00:00Z","updatedAt":"2025-03-01T13:00:00Z"}]`
	if err := os.WriteFile(LifecyclePath(path), []byte(lc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil || s.StampError() != nil {
		t.Fatalf("load: %v / %v", err, s.StampError())
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d", s.Len())
	}
	if e, _ := s.Entry("A"); !e.CreatedAt.Equal(t0) {
		t.Fatalf("stamp for A lost: %+v", e)
	}
}

func TestPersistRoundTripKeepsOrderAndStamps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "gene_id_map.json")
	s := NewIDStore()
	keys := []string{"Z|1", "A|2", "M|3"}
	for i, k := range keys {
		if err := s.Assign(k, "IFXGene:CODE00"+string(rune('0'+i)), t0); err != nil {
			t.Fatal(err)
		}
	}
	s.Touch("A|2", t0.Add(time.Hour))
	if err := s.Persist(path); err != nil {
		t.Fatalf("persist: %v", err)
	}

	raw, _ := os.ReadFile(path)
	if strings.Index(string(raw), `"Z|1"`) > strings.Index(string(raw), `"A|2"`) {
		t.Fatalf("insertion order lost:\n%s", raw)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := got.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i, k := range keys {
		if entries[i].Key != k {
			t.Fatalf("entry %d = %q, want %q", i, entries[i].Key, k)
		}
	}
	e, _ := got.Entry("A|2")
	if !e.CreatedAt.Equal(t0) || !e.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("stamps not restored: %+v", e)
	}
	if len(got.Minted()) != 0 {
		t.Fatalf("loaded entries must not count as minted")
	}
	if k, ok := got.KeyFor("IFXGene:CODE000"); !ok || k != "Z|1" {
		t.Fatalf("KeyFor = %q %v", k, ok)
	}
}

func TestAssignRejectsDuplicates(t *testing.T) {
	s := NewIDStore()
	if err := s.Assign("k", "IFXGene:AAAAAAA", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("k", "IFXGene:BBBBBBB", t0); err == nil {
		t.Fatal("expected error for reassigned key")
	}
	if err := s.Assign("other", "IFXGene:AAAAAAA", t0); err == nil {
		t.Fatal("expected error for reused id")
	}
	if id, _ := s.Lookup("k"); id != "IFXGene:AAAAAAA" {
		t.Fatalf("existing assignment changed: %q", id)
	}
}

func TestWriteDiffOnlyNewEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pathway_id_map.json")
	os.WriteFile(path, []byte(`{"old": "IFXPathway:OLD0000"}`), 0o644)
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff, err := s.WriteDiff(path); err != nil || diff != "" {
		t.Fatalf("expected no diff without minting, got %q %v", diff, err)
	}
	s.Assign("new", "IFXPathway:NEW0000", t0)
	diff, err := s.WriteDiff(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff != filepath.Join(dir, "pathway_id_map.diff.json") {
		t.Fatalf("diff path = %q", diff)
	}
	raw, _ := os.ReadFile(diff)
	if strings.Contains(string(raw), "old") || !strings.Contains(string(raw), `"new": "IFXPathway:NEW0000"`) {
		t.Fatalf("unexpected diff content:\n%s", raw)
	}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	os.WriteFile(blocker, []byte("x"), 0o644)

	s := NewIDStore()
	s.Assign("k", "IFXGene:AAAAAAA", t0)
	if err := s.Persist(filepath.Join(blocker, "map.json")); err == nil {
		t.Fatal("expected persist error below a regular file")
	}
	if id, ok := s.Lookup("k"); !ok || id != "IFXGene:AAAAAAA" {
		t.Fatalf("store changed after failed persist")
	}
	good := filepath.Join(dir, "map.json")
	if err := s.Persist(good); err != nil {
		t.Fatalf("retry persist: %v", err)
	}
}

func TestQuarantine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.json")
	os.WriteFile(path, []byte("garbage"), 0o644)
	dst, err := Quarantine(path, t0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dst, path+".corrupt-") {
		t.Fatalf("dst = %q", dst)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("original still present")
	}
	s, err := Load(path)
	if err != nil || s.Len() != 0 {
		t.Fatalf("expected empty store after quarantine, got %v", err)
	}
}
