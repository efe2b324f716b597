package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/knadh/sagawidget/store"
)

func TestMissingFile(t *testing.T) {
	f, err := New(Config{Path: filepath.Join(t.TempDir(), "sub", "auth.json")})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	out, err := f.Load()
	if err != nil || len(out) != 0 {
		t.Fatalf("missing file should load an empty map: %v, %v", out, err)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	f, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	in := store.Tokens{
		"A": {AccessToken: "tok1", ExpiresAt: "2026-01-01T02:00:00Z", CreatedAt: "2026-01-01T00:00:00Z"},
		"B": {AccessToken: "tok2", ExpiresAt: "2026-01-01T03:00:00Z", CreatedAt: "2026-01-01T00:00:00Z"},
	}
	if err := f.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file was left behind")
	}

	// A fresh instance over the same file sees the same data.
	f2, _ := New(Config{Path: path})
	out, err := f2.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 2 || out["A"] != in["A"] || out["B"] != in["B"] {
		t.Fatalf("round trip mismatch: %v", out)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	f, _ := New(Config{Path: path})
	out, err := f.Load()
	if err == nil {
		t.Fatal("expected an error for a corrupt file")
	}
	if len(out) != 0 {
		t.Fatalf("corrupt file should yield an empty map, got %v", out)
	}
}

func TestEmptyPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected an error for an empty path")
	}
}
