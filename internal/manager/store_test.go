package manager

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestStore_LoadMissingFileReturnsNil(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sessions.json"), testLogger())
	doc, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document for missing file, got %+v", doc)
	}
}

func TestStore_LegacyKeyLayoutMigrated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	legacy := map[string]any{
		"_sessions": map[string]any{
			"claude::/tmp/proj": map[string]any{
				"updated_at": "2026-01-01T00:00:00Z",
			},
		},
		"_active": nil,
	}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("seed legacy file: %v", err)
	}

	st := NewStore(path, testLogger())
	doc, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	wantID := FingerprintID("claude", "/tmp/proj")
	sess, ok := doc.Sessions[wantID]
	if !ok {
		t.Fatalf("expected migrated key %q, got keys %v", wantID, keysOf(doc.Sessions))
	}
	if sess.Tool != "claude" || sess.WorkDir != "/tmp/proj" {
		t.Fatalf("expected tool/workdir backfilled from legacy key, got %+v", sess)
	}

	// A subsequent read should already see the migrated layout on disk.
	st2 := NewStore(path, testLogger())
	doc2, err := st2.Load()
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if _, ok := doc2.Sessions[wantID]; !ok {
		t.Fatal("expected migration to have been written back to disk")
	}
}

func TestStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	st := NewStore(path, testLogger())

	doc := &document{
		Sessions: map[string]persistedSession{
			"s_abc": {Tool: "echo", WorkDir: "/tmp", UpdatedAt: nowRFC3339()},
		},
		Active: &persistedActive{SessionID: "s_abc", Tool: "echo", WorkDir: "/tmp"},
	}
	if err := st.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Active == nil || reloaded.Active.SessionID != "s_abc" {
		t.Fatalf("expected active selection to round-trip, got %+v", reloaded.Active)
	}
	if reloaded.Sessions["s_abc"].Tool != "echo" {
		t.Fatalf("expected session to round-trip, got %+v", reloaded.Sessions["s_abc"])
	}
}

func TestStore_NoPartialWriteOnTempFileOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	st := NewStore(path, testLogger())
	doc := &document{Sessions: map[string]persistedSession{
		"s_abc": {Tool: "echo", WorkDir: "/tmp", UpdatedAt: nowRFC3339()},
	}}
	if err := st.Save(doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash between temp-write and rename: a leftover .tmp file
	// must never be mistaken for the canonical state.
	if err := os.WriteFile(path+".tmp", []byte("not valid json"), 0o644); err != nil {
		t.Fatalf("seed stray tmp file: %v", err)
	}

	reloaded, err := st.Load()
	if err != nil {
		t.Fatalf("Load should ignore the stray .tmp file: %v", err)
	}
	if reloaded.Sessions["s_abc"].Tool != "echo" {
		t.Fatalf("expected the last successfully renamed document, got %+v", reloaded)
	}
}

func keysOf(m map[string]persistedSession) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
