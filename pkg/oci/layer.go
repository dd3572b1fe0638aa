package oci

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Layers are built deterministically so identical inputs always produce
// identical digests: entries are sorted, owners cleared, and every
// timestamp pinned to the epoch. Rebuilding an unchanged context must not
// produce new layer content.
var epoch = time.Unix(0, 0)

// LayerFromDir packages the tree rooted at dir as an image layer placed
// under prefix, an absolute path inside the image. The prefix directory
// itself is included, so copying an empty dir still creates the target
// directory in the image.
func LayerFromDir(dir, prefix string) (v1.Layer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := writeParents(tw, prefix); err != nil {
		return nil, err
	}

	var entries []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		entries = append(entries, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(entries)

	for _, p := range entries {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil, err
		}
		if err := writeEntry(tw, p, tarName(path.Join(prefix, filepath.ToSlash(rel)))); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close layer tar: %w", err)
	}

	return layerFromBytes(buf.Bytes())
}

// LayerFromFiles packages an explicit name-to-source map, with names given
// as absolute paths inside the image. Used for single-file steps such as
// the manifest copy.
func LayerFromFiles(files map[string]string) (v1.Layer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := map[string]bool{}
	for _, name := range names {
		if err := writeParentsOnce(tw, path.Dir(name), seen); err != nil {
			return nil, err
		}
		if err := writeEntry(tw, files[name], tarName(name)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close layer tar: %w", err)
	}

	return layerFromBytes(buf.Bytes())
}

func layerFromBytes(b []byte) (v1.Layer, error) {
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	})
}

func writeEntry(tw *tar.Writer, src, name string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    int64(info.Mode().Perm()),
		ModTime: epoch,
	}
	switch {
	case info.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
	default:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = info.Size()
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if hdr.Typeflag != tar.TypeReg {
		return nil
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s into layer: %w", src, err)
	}
	return nil
}

func writeParents(tw *tar.Writer, dir string) error {
	return writeParentsOnce(tw, dir, map[string]bool{})
}

// writeParentsOnce emits directory headers for dir and its ancestors so
// extraction never depends on implicit directory creation.
func writeParentsOnce(tw *tar.Writer, dir string, seen map[string]bool) error {
	dir = path.Clean(dir)
	if dir == "/" || dir == "." {
		return nil
	}
	var parents []string
	for d := dir; d != "/" && d != "."; d = path.Dir(d) {
		parents = append(parents, d)
	}
	for i := len(parents) - 1; i >= 0; i-- {
		name := tarName(parents[i]) + "/"
		if seen[name] {
			continue
		}
		seen[name] = true
		hdr := &tar.Header{
			Name:     name,
			Typeflag: tar.TypeDir,
			Mode:     0o755,
			ModTime:  epoch,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write dir header %s: %w", name, err)
		}
	}
	return nil
}

func tarName(p string) string {
	return strings.TrimPrefix(path.Clean(p), "/")
}
