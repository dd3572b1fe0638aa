package builder

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/keelhq/forge/pkg/buildspec"
	"github.com/keelhq/forge/pkg/oci"
	"github.com/keelhq/forge/pkg/pip"
)

// DependencyPrefix is where manifest packages are installed inside the
// image. It is appended to PYTHONPATH so the entrypoint process can import
// everything the manifest names.
const DependencyPrefix = "/opt/forge/site-packages"

// Engine executes the build pipeline: base -> workdir -> manifest copy ->
// dependency install -> source copy -> entrypoint -> commit. Steps run
// strictly in order and the first failure aborts the build; no partial
// image is ever committed or tagged.
type Engine struct {
	resolver  oci.Resolver
	installer pip.Installer
	cache     *LayerCache
	store     *oci.LayoutStore
	tracer    trace.Tracer
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLayerCache enables dependency-layer reuse across builds.
func WithLayerCache(c *LayerCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLayoutStore makes the engine persist committed images as OCI layouts.
func WithLayoutStore(s *oci.LayoutStore) Option {
	return func(e *Engine) { e.store = s }
}

func NewEngine(resolver oci.Resolver, installer pip.Installer, opts ...Option) *Engine {
	e := &Engine{
		resolver:  resolver,
		installer: installer,
		tracer:    otel.Tracer("forge/builder"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Progress receives state transitions and log lines for one build. Either
// field may be nil.
type Progress struct {
	State func(Status)
	Log   func(format string, args ...any)
}

func (p Progress) state(s Status) {
	if p.State != nil {
		p.State(s)
	}
}

func (p Progress) logf(format string, args ...any) {
	if p.Log != nil {
		p.Log(format, args...)
	}
}

// Result describes a committed image.
type Result struct {
	Image      v1.Image
	Digest     v1.Hash
	BaseDigest v1.Hash
	// DependencyLayer is nil when the manifest is empty and the install
	// step was a no-op.
	DependencyLayer *v1.Hash
	SourceLayer     v1.Hash
	// LayoutPath is set when the engine carries a layout store.
	LayoutPath string
}

// Build runs the pipeline for one spec against a local context directory.
func (e *Engine) Build(ctx context.Context, buildID, contextDir string, spec buildspec.Spec, prog Progress) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "forge.build")
	defer span.End()

	prog.state(StatusPending)

	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return e.fail(prog, span, stepError("validate spec", KindConfig, err))
	}
	if fi, err := os.Stat(contextDir); err != nil || !fi.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is not a directory", contextDir)
		}
		return e.fail(prog, span, stepError("open build context", KindConfig, err))
	}

	base, baseDigest, err := e.resolveBase(ctx, spec.BaseImage)
	if err != nil {
		return e.fail(prog, span, err)
	}
	prog.logf("base image %s resolved (%s)", spec.BaseImage, baseDigest)
	prog.state(StatusBaseResolved)

	// The workdir has no filesystem effect of its own; it scopes the copy
	// steps below and the entrypoint's cwd.
	prog.state(StatusWorkdirSet)

	layers, depDigest, err := e.dependencyLayers(ctx, contextDir, spec, baseDigest, prog)
	if err != nil {
		return e.fail(prog, span, err)
	}
	prog.state(StatusDependenciesInstalled)

	srcLayer, err := e.sourceLayer(ctx, contextDir, spec)
	if err != nil {
		return e.fail(prog, span, err)
	}
	srcDigest, err := srcLayer.Digest()
	if err != nil {
		return e.fail(prog, span, stepError("copy source", KindCopy, err))
	}
	prog.logf("source %s copied to %s", spec.SourceDir, spec.WorkDir)
	prog.state(StatusSourceCopied)

	img, err := mutate.AppendLayers(base, append(layers, srcLayer)...)
	if err != nil {
		return e.fail(prog, span, stepError("assemble layers", KindConfig, err))
	}
	img, err = oci.Configure(img, spec.WorkDir, spec.Entrypoint, map[string]string{
		"PYTHONPATH": DependencyPrefix,
	})
	if err != nil {
		return e.fail(prog, span, stepError("declare entrypoint", KindConfig, err))
	}
	prog.logf("entrypoint declared: %v (cwd %s)", spec.Entrypoint, spec.WorkDir)
	prog.state(StatusEntrypointDeclared)

	digest, err := img.Digest()
	if err != nil {
		return e.fail(prog, span, stepError("commit image", KindConfig, err))
	}
	res := Result{
		Image:           img,
		Digest:          digest,
		BaseDigest:      baseDigest,
		DependencyLayer: depDigest,
		SourceLayer:     srcDigest,
	}
	if e.store != nil {
		layoutPath, err := e.store.Commit(buildID, img)
		if err != nil {
			return e.fail(prog, span, stepError("commit image", KindConfig, err))
		}
		res.LayoutPath = layoutPath
	}
	prog.logf("image committed: %s", digest)
	prog.state(StatusCommitted)
	return res, nil
}

func (e *Engine) fail(prog Progress, span trace.Span, err error) (Result, error) {
	span.RecordError(err)
	prog.logf("build failed: %v", err)
	prog.state(StatusFailed)
	return Result{}, err
}

func (e *Engine) resolveBase(ctx context.Context, ref string) (v1.Image, v1.Hash, error) {
	ctx, span := e.tracer.Start(ctx, "forge.resolve_base")
	defer span.End()

	img, err := e.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, v1.Hash{}, stepError("resolve base image", KindResolution, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return nil, v1.Hash{}, stepError("resolve base image", KindResolution, err)
	}
	return img, digest, nil
}

// dependencyLayers returns the manifest-copy layer plus, for a non-empty
// manifest, the installed-packages layer. The install layer is keyed only
// by (base digest, manifest bytes, install prefix), so source-only changes
// never invalidate it.
func (e *Engine) dependencyLayers(ctx context.Context, contextDir string, spec buildspec.Spec, baseDigest v1.Hash, prog Progress) ([]v1.Layer, *v1.Hash, error) {
	ctx, span := e.tracer.Start(ctx, "forge.install_dependencies")
	defer span.End()

	manifestPath := filepath.Join(contextDir, spec.ManifestPath)
	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, nil, stepError("copy manifest", KindCopy, err)
	}
	manifest, err := buildspec.LoadManifest(manifestPath)
	if err != nil {
		return nil, nil, stepError("copy manifest", KindCopy, err)
	}

	manifestDest := path.Join(spec.WorkDir, path.Base(filepath.ToSlash(spec.ManifestPath)))
	manifestLayer, err := oci.LayerFromFiles(map[string]string{manifestDest: manifestPath})
	if err != nil {
		return nil, nil, stepError("copy manifest", KindCopy, err)
	}
	layers := []v1.Layer{manifestLayer}

	if manifest.Empty() {
		prog.logf("manifest is empty; dependency install skipped")
		return layers, nil, nil
	}

	key := CacheKey("deps", baseDigest.String(), string(manifestBytes), DependencyPrefix)
	if e.cache != nil {
		if layer, ok, err := e.cache.Get(key); err != nil {
			return nil, nil, stepError("install dependencies", KindInstall, err)
		} else if ok {
			prog.logf("dependency layer reused from cache")
			digest, err := layer.Digest()
			if err != nil {
				return nil, nil, stepError("install dependencies", KindInstall, err)
			}
			return append(layers, layer), &digest, nil
		}
	}

	stage, err := os.MkdirTemp("", "forge-deps-")
	if err != nil {
		return nil, nil, stepError("install dependencies", KindInstall, err)
	}
	defer os.RemoveAll(stage)

	prog.logf("installing %d requirements", len(manifest.Requirements))
	if err := e.installer.Install(ctx, manifestPath, stage); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, stepError("install dependencies", KindInstall, err)
	}

	layer, err := oci.LayerFromDir(stage, DependencyPrefix)
	if err != nil {
		return nil, nil, stepError("install dependencies", KindInstall, err)
	}
	if e.cache != nil {
		layer, err = e.cache.Put(key, layer)
		if err != nil {
			return nil, nil, stepError("install dependencies", KindInstall, err)
		}
	}
	digest, err := layer.Digest()
	if err != nil {
		return nil, nil, stepError("install dependencies", KindInstall, err)
	}
	return append(layers, layer), &digest, nil
}

func (e *Engine) sourceLayer(ctx context.Context, contextDir string, spec buildspec.Spec) (v1.Layer, error) {
	_, span := e.tracer.Start(ctx, "forge.copy_source")
	defer span.End()

	srcPath := filepath.Join(contextDir, spec.SourceDir)
	fi, err := os.Stat(srcPath)
	if err != nil {
		return nil, stepError("copy source", KindCopy, err)
	}
	if !fi.IsDir() {
		return nil, stepError("copy source", KindCopy, fmt.Errorf("%s is not a directory", srcPath))
	}
	layer, err := oci.LayerFromDir(srcPath, spec.WorkDir)
	if err != nil {
		return nil, stepError("copy source", KindCopy, err)
	}
	return layer, nil
}
