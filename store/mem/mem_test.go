package mem

import (
	"testing"

	"github.com/knadh/sagawidget/store"
)

func TestSaveLoad(t *testing.T) {
	m := New()

	out, err := m.Load()
	if err != nil || len(out) != 0 {
		t.Fatalf("empty store should load an empty map: %v, %v", out, err)
	}

	in := store.Tokens{"A": {AccessToken: "tok1", ExpiresAt: "2026-01-01T00:00:00Z"}}
	if err := m.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.Saves() != 1 {
		t.Fatalf("expected 1 save, got %d", m.Saves())
	}

	// Mutating the saved map must not leak into the store.
	in["B"] = store.Token{AccessToken: "tok2"}

	out, err = m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(out) != 1 || out["A"].AccessToken != "tok1" {
		t.Fatalf("unexpected tokens: %v", out)
	}
}

func TestCorrupt(t *testing.T) {
	m := New()
	m.Set([]byte("not json"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected an error loading corrupt data")
	}
	if m.Saves() != 0 {
		t.Fatal("Set should not count as a save")
	}
}
