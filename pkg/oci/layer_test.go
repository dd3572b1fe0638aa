package oci

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func tarNames(t *testing.T, layer interface {
	Uncompressed() (io.ReadCloser, error)
}) []string {
	t.Helper()
	rc, err := layer.Uncompressed()
	if err != nil {
		t.Fatalf("uncompressed: %v", err)
	}
	defer rc.Close()

	var names []string
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

func TestLayerFromDirIsDeterministic(t *testing.T) {
	dir := writeTree(t, map[string]string{"app.py": "print('hi')\n", "lib/util.py": "pass\n"})

	first, err := LayerFromDir(dir, "/app")
	if err != nil {
		t.Fatalf("first layer: %v", err)
	}
	firstDigest, err := first.Digest()
	if err != nil {
		t.Fatalf("first digest: %v", err)
	}

	// Touching mtimes must not affect the layer: timestamps are pinned.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "app.py"), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	second, err := LayerFromDir(dir, "/app")
	if err != nil {
		t.Fatalf("second layer: %v", err)
	}
	secondDigest, err := second.Digest()
	if err != nil {
		t.Fatalf("second digest: %v", err)
	}
	if firstDigest != secondDigest {
		t.Fatalf("layer digest not stable: %s vs %s", firstDigest, secondDigest)
	}
}

func TestLayerFromDirContentChangesDigest(t *testing.T) {
	dir := writeTree(t, map[string]string{"app.py": "v1\n"})
	first, err := LayerFromDir(dir, "/app")
	if err != nil {
		t.Fatalf("first layer: %v", err)
	}
	firstDigest, _ := first.Digest()

	if err := os.WriteFile(filepath.Join(dir, "app.py"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	second, err := LayerFromDir(dir, "/app")
	if err != nil {
		t.Fatalf("second layer: %v", err)
	}
	secondDigest, _ := second.Digest()
	if firstDigest == secondDigest {
		t.Fatal("content change must change the digest")
	}
}

func TestLayerFromDirIncludesPrefixDir(t *testing.T) {
	dir := t.TempDir() // empty source tree
	layer, err := LayerFromDir(dir, "/app")
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	names := tarNames(t, layer)
	if len(names) != 1 || names[0] != "app/" {
		t.Fatalf("expected only the prefix dir entry, got %v", names)
	}
}

func TestLayerFromFilesPlacesFileWithParents(t *testing.T) {
	dir := writeTree(t, map[string]string{"requirements.txt": "flask==2.0.1\n"})
	layer, err := LayerFromFiles(map[string]string{
		"/app/requirements.txt": filepath.Join(dir, "requirements.txt"),
	})
	if err != nil {
		t.Fatalf("layer: %v", err)
	}
	names := tarNames(t, layer)
	want := []string{"app/", "app/requirements.txt"}
	if len(names) != len(want) {
		t.Fatalf("unexpected entries: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entry %d = %q, want %q", i, names[i], want[i])
		}
	}
}
