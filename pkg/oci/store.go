package oci

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/layout"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// LayoutStore persists committed images as OCI layouts, one directory per
// build. A commit is staged in a temp directory and renamed into place, so
// a failed or cancelled build never leaves a runnable artifact behind.
type LayoutStore struct {
	root string
}

func NewLayoutStore(root string) (*LayoutStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image store %s: %w", root, err)
	}
	return &LayoutStore{root: root}, nil
}

// Commit writes img under id and returns the layout path. The write is
// atomic at the directory level.
func (s *LayoutStore) Commit(id string, img v1.Image) (string, error) {
	staging, err := os.MkdirTemp(s.root, ".staging-"+id+"-")
	if err != nil {
		return "", fmt.Errorf("create staging layout: %w", err)
	}
	defer os.RemoveAll(staging)

	p, err := layout.Write(staging, empty.Index)
	if err != nil {
		return "", fmt.Errorf("init staging layout: %w", err)
	}
	if err := p.AppendImage(img); err != nil {
		return "", fmt.Errorf("append image to layout: %w", err)
	}

	final := filepath.Join(s.root, id)
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("commit layout %s: %w", id, err)
	}
	return final, nil
}

// Path returns the layout directory for a committed build, if present.
func (s *LayoutStore) Path(id string) (string, bool) {
	p := filepath.Join(s.root, id)
	if _, err := os.Stat(filepath.Join(p, "index.json")); err != nil {
		return "", false
	}
	return p, true
}

// WriteTarball exports img as a docker-loadable tarball tagged with tag.
func WriteTarball(path, tag string, img v1.Image) error {
	ref, err := name.NewTag(tag, name.WeakValidation)
	if err != nil {
		return fmt.Errorf("parse tag %q: %w", tag, err)
	}
	if err := tarball.WriteToFile(path, ref, img); err != nil {
		return fmt.Errorf("write image tarball %s: %w", path, err)
	}
	return nil
}

// Push publishes img to the registry named by tag and returns its digest.
func Push(ctx context.Context, tag string, img v1.Image) (string, error) {
	ref, err := name.NewTag(tag, name.WeakValidation)
	if err != nil {
		return "", fmt.Errorf("parse tag %q: %w", tag, err)
	}
	if err := remote.Write(ref, img, remote.WithContext(ctx)); err != nil {
		return "", fmt.Errorf("push image %q: %w", tag, err)
	}
	digest, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("image digest: %w", err)
	}
	return digest.String(), nil
}
