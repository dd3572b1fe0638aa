package registry

import "testing"

func TestTagStore(t *testing.T) {
	r := New()

	if _, ok := r.Get("app:latest"); ok {
		t.Fatal("empty store should miss")
	}

	r.Set(Entry{Tag: "app:latest", Digest: "sha256:aaa"})
	r.Set(Entry{Tag: "app:latest", Digest: "sha256:bbb"})

	entry, ok := r.Get("app:latest")
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Digest != "sha256:bbb" {
		t.Fatalf("expected latest digest to win, got %s", entry.Digest)
	}

	if got := len(r.List()); got != 1 {
		t.Fatalf("expected one entry, got %d", got)
	}
}
