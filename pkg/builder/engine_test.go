package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"

	"github.com/keelhq/forge/pkg/buildspec"
	"github.com/keelhq/forge/pkg/oci"
)

type fakeResolver struct {
	err   error
	calls int
}

func (f *fakeResolver) Resolve(ctx context.Context, ref string) (v1.Image, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return empty.Image, nil
}

type fakeInstaller struct {
	err     error
	calls   int
	payload string
	block   bool
}

func (f *fakeInstaller) Install(ctx context.Context, manifestPath, stageDir string) error {
	f.calls++
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	payload := f.payload
	if payload == "" {
		payload = "# installed"
	}
	return os.WriteFile(filepath.Join(stageDir, "installed_pkg.py"), []byte(payload), 0o644)
}

func writeContext(t *testing.T, manifest string, sources map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	srcDir := filepath.Join(dir, "src")
	if err := os.Mkdir(srcDir, 0o755); err != nil {
		t.Fatalf("create src dir: %v", err)
	}
	for name, body := range sources {
		path := filepath.Join(srcDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("create source dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write source %s: %v", name, err)
		}
	}
	return dir
}

func testSpec() buildspec.Spec {
	return buildspec.Spec{
		BaseImage:  "python:3.11-slim",
		WorkDir:    "/app",
		Entrypoint: []string{"python", "app.py"},
	}
}

func TestBuildDeclaresEntrypoint(t *testing.T) {
	dir := writeContext(t, "flask==2.0.1\n", map[string]string{"app.py": "print('hi')\n"})
	engine := NewEngine(&fakeResolver{}, &fakeInstaller{})

	var states []Status
	prog := Progress{State: func(s Status) { states = append(states, s) }}

	res, err := engine.Build(context.Background(), "b1", dir, testSpec(), prog)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	cf, err := res.Image.ConfigFile()
	if err != nil {
		t.Fatalf("config file: %v", err)
	}
	if got := cf.Config.Entrypoint; len(got) != 2 || got[0] != "python" || got[1] != "app.py" {
		t.Fatalf("unexpected entrypoint: %v", got)
	}
	if cf.Config.WorkingDir != "/app" {
		t.Fatalf("unexpected workdir: %q", cf.Config.WorkingDir)
	}
	if cf.Config.Cmd != nil {
		t.Fatalf("expected cmd to be cleared, got %v", cf.Config.Cmd)
	}
	foundPath := false
	for _, kv := range cf.Config.Env {
		if kv == "PYTHONPATH="+DependencyPrefix {
			foundPath = true
		}
	}
	if !foundPath {
		t.Fatalf("PYTHONPATH missing from env: %v", cf.Config.Env)
	}

	want := []Status{
		StatusPending,
		StatusBaseResolved,
		StatusWorkdirSet,
		StatusDependenciesInstalled,
		StatusSourceCopied,
		StatusEntrypointDeclared,
		StatusCommitted,
	}
	if len(states) != len(want) {
		t.Fatalf("unexpected state sequence: %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
	if res.DependencyLayer == nil {
		t.Fatal("expected a dependency layer digest")
	}
}

func TestSourceChangeReusesDependencyLayer(t *testing.T) {
	cache, err := NewLayerCache(t.TempDir())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	installer := &fakeInstaller{}
	engine := NewEngine(&fakeResolver{}, installer, WithLayerCache(cache))

	dir := writeContext(t, "flask==2.0.1\n", map[string]string{"app.py": "v1\n"})
	first, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "src", "app.py"), []byte("v2\n"), 0o644); err != nil {
		t.Fatalf("mutate source: %v", err)
	}
	second, err := engine.Build(context.Background(), "b2", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}

	if installer.calls != 1 {
		t.Fatalf("expected one install, got %d", installer.calls)
	}
	if first.DependencyLayer.String() != second.DependencyLayer.String() {
		t.Fatalf("dependency layer changed: %s vs %s", first.DependencyLayer, second.DependencyLayer)
	}
	if first.SourceLayer.String() == second.SourceLayer.String() {
		t.Fatal("source layer should change when source changes")
	}
	if first.Digest.String() == second.Digest.String() {
		t.Fatal("image digest should change when source changes")
	}
}

func TestUnchangedContextBuildsIdentically(t *testing.T) {
	dir := writeContext(t, "flask==2.0.1\n", map[string]string{"app.py": "print('hi')\n"})
	installer := &fakeInstaller{payload: "stable"}
	engine := NewEngine(&fakeResolver{}, installer)

	first, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	second, err := engine.Build(context.Background(), "b2", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	if first.Digest.String() != second.Digest.String() {
		t.Fatalf("rebuild changed digest: %s vs %s", first.Digest, second.Digest)
	}
}

func TestEmptyManifestSkipsInstall(t *testing.T) {
	dir := writeContext(t, "# nothing to install\n\n", map[string]string{"app.py": "pass\n"})
	installer := &fakeInstaller{}
	engine := NewEngine(&fakeResolver{}, installer)

	res, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if installer.calls != 0 {
		t.Fatalf("installer invoked %d times for empty manifest", installer.calls)
	}
	if res.DependencyLayer != nil {
		t.Fatal("expected no dependency layer for empty manifest")
	}
}

func TestInstallFailureSurfacesDiagnostic(t *testing.T) {
	dir := writeContext(t, "this-package-does-not-exist-xyz\n", nil)
	diag := "ERROR: No matching distribution found for this-package-does-not-exist-xyz"
	installer := &fakeInstaller{err: errors.New(diag)}
	store, err := oci.NewLayoutStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := NewEngine(&fakeResolver{}, installer, WithLayoutStore(store))

	var last Status
	_, err = engine.Build(context.Background(), "b1", dir, testSpec(), Progress{State: func(s Status) { last = s }})
	if err == nil {
		t.Fatal("expected build to fail")
	}
	if KindOf(err) != KindInstall {
		t.Fatalf("expected install error, got kind %q (%v)", KindOf(err), err)
	}
	if !strings.Contains(err.Error(), diag) {
		t.Fatalf("installer diagnostic lost: %v", err)
	}
	if last != StatusFailed {
		t.Fatalf("expected terminal failed state, got %s", last)
	}
	if _, ok := store.Path("b1"); ok {
		t.Fatal("failed build must not commit an image")
	}
}

func TestMissingManifestIsCopyError(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("create src: %v", err)
	}
	engine := NewEngine(&fakeResolver{}, &fakeInstaller{})

	_, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if KindOf(err) != KindCopy {
		t.Fatalf("expected copy error, got %v", err)
	}
}

func TestMissingSourceIsCopyError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), nil, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	engine := NewEngine(&fakeResolver{}, &fakeInstaller{})

	_, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if KindOf(err) != KindCopy {
		t.Fatalf("expected copy error, got %v", err)
	}
}

func TestInvalidSpecIsConfigError(t *testing.T) {
	dir := writeContext(t, "", nil)
	engine := NewEngine(&fakeResolver{}, &fakeInstaller{})

	spec := testSpec()
	spec.WorkDir = "app" // not absolute
	_, err := engine.Build(context.Background(), "b1", dir, spec, Progress{})
	if KindOf(err) != KindConfig {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestUnresolvableBaseIsResolutionError(t *testing.T) {
	dir := writeContext(t, "", nil)
	engine := NewEngine(&fakeResolver{err: fmt.Errorf("MANIFEST_UNKNOWN")}, &fakeInstaller{})

	_, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if KindOf(err) != KindResolution {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestEmptySourceDirStillBuilds(t *testing.T) {
	dir := writeContext(t, "", nil)
	engine := NewEngine(&fakeResolver{}, &fakeInstaller{})

	res, err := engine.Build(context.Background(), "b1", dir, testSpec(), Progress{})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if res.Digest.String() == "" {
		t.Fatal("expected a committed digest")
	}
}

func TestCancellationLeavesNoCachedLayer(t *testing.T) {
	cacheDir := t.TempDir()
	cache, err := NewLayerCache(cacheDir)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	installer := &fakeInstaller{block: true}
	engine := NewEngine(&fakeResolver{}, installer, WithLayerCache(cache))

	ctx, cancel := context.WithCancel(context.Background())
	dir := writeContext(t, "flask==2.0.1\n", nil)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Build(ctx, "b1", dir, testSpec(), Progress{})
		done <- err
	}()
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		t.Fatalf("read cache dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tar") {
			t.Fatalf("cancelled build left cached layer %s", e.Name())
		}
	}
}
