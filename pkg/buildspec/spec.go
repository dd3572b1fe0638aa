package buildspec

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultManifestPath is where the dependency manifest is expected
	// inside a build context.
	DefaultManifestPath = "requirements.txt"
	// DefaultSourceDir is where application source is expected inside a
	// build context.
	DefaultSourceDir = "src"
)

// Spec describes a single image build: the base to start from, what to
// install, what to copy, and how the produced image starts.
type Spec struct {
	// BaseImage is a registry reference, e.g. "python:3.11-slim".
	BaseImage string `json:"base_image" yaml:"base_image"`
	// WorkDir is an absolute path inside the image. It becomes the cwd of
	// the entrypoint process and the destination of the source copy.
	WorkDir string `json:"workdir" yaml:"workdir"`
	// ManifestPath locates the dependency manifest relative to the context
	// root. Empty means DefaultManifestPath.
	ManifestPath string `json:"manifest,omitempty" yaml:"manifest"`
	// SourceDir locates the application source relative to the context
	// root. Empty means DefaultSourceDir.
	SourceDir string `json:"source,omitempty" yaml:"source"`
	// Entrypoint is the exact argument vector the image runs by default.
	Entrypoint []string `json:"entrypoint" yaml:"entrypoint"`
}

// WithDefaults fills the optional context-relative paths.
func (s Spec) WithDefaults() Spec {
	if s.ManifestPath == "" {
		s.ManifestPath = DefaultManifestPath
	}
	if s.SourceDir == "" {
		s.SourceDir = DefaultSourceDir
	}
	return s
}

// Validate checks that the spec is complete and internally consistent.
// Path fields relative to the context must stay inside it.
func (s Spec) Validate() error {
	var errs []error
	if s.BaseImage == "" {
		errs = append(errs, errors.New("base_image is required"))
	}
	if s.WorkDir == "" {
		errs = append(errs, errors.New("workdir is required"))
	} else if !path.IsAbs(s.WorkDir) {
		errs = append(errs, fmt.Errorf("workdir %q must be absolute", s.WorkDir))
	}
	if len(s.Entrypoint) == 0 {
		errs = append(errs, errors.New("entrypoint is required"))
	}
	for _, p := range []struct{ name, value string }{
		{"manifest", s.ManifestPath},
		{"source", s.SourceDir},
	} {
		if p.value == "" {
			continue
		}
		if filepath.IsAbs(p.value) {
			errs = append(errs, fmt.Errorf("%s path %q must be relative to the context", p.name, p.value))
			continue
		}
		if clean := filepath.Clean(p.value); clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			errs = append(errs, fmt.Errorf("%s path %q escapes the context", p.name, p.value))
		}
	}
	return errors.Join(errs...)
}
