package history

import (
	"os"
	"path/filepath"
	"testing"
)

func TestImportLegacy(t *testing.T) {
	dir := t.TempDir()
	legacy := `[
  {"id": "10", "channel": "general", "author": "alice", "created": "2024-01-01 10:00", "message": "hi", "reactions": []},
  {"id": "11", "channel": "general", "author": "bob", "created": "2024-01-01 10:01", "message": "yo",
   "reply_to": {"author": "alice", "message": "hi"}, "attachments": ["a cat"], "reactions": [{"user": "alice", "emoji": "👍"}]},
  {"id": "11", "channel": "general", "author": "bob", "created": "2024-01-01 10:01", "message": "dup"}
]`
	os.WriteFile(filepath.Join(dir, "1151.json"), []byte(legacy), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	store := newTestStore(t)
	imported, err := ImportLegacy(dir, "discord", store)
	if err != nil {
		t.Fatalf("ImportLegacy error: %v", err)
	}
	if imported["discord:1151"] != 2 {
		t.Fatalf("imported = %v, want 2 records for discord:1151", imported)
	}

	l, err := Open("discord:1151", store)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	got, ok := l.Get("11")
	if !ok {
		t.Fatal("record 11 missing")
	}
	if got.ReplyTo == nil || got.ReplyTo.Author != "alice" || got.Body != "yo" {
		t.Errorf("record 11 = %+v", got)
	}
	if len(got.Reactions) != 1 || len(got.Attachments) != 1 {
		t.Errorf("record 11 lists = %+v", got)
	}

	// A second import leaves the non-empty scope alone.
	imported, err = ImportLegacy(dir, "discord", store)
	if err != nil {
		t.Fatalf("second ImportLegacy error: %v", err)
	}
	if len(imported) != 0 {
		t.Errorf("second import = %v, want nothing", imported)
	}
}

func TestImportLegacy_MissingDir(t *testing.T) {
	imported, err := ImportLegacy(filepath.Join(t.TempDir(), "nope"), "discord", newTestStore(t))
	if err != nil {
		t.Fatalf("ImportLegacy error: %v", err)
	}
	if len(imported) != 0 {
		t.Errorf("imported = %v", imported)
	}
}

func TestImportLegacy_BadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "1.json"), []byte("{"), 0644)

	if _, err := ImportLegacy(dir, "discord", newTestStore(t)); err == nil {
		t.Fatal("expected parse error")
	}
}
