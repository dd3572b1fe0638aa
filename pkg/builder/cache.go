package builder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// LayerCache is a content-addressed store of uncompressed layer tarballs.
// Concurrent builds may read the same entry; a key is written once, staged
// to a temp file and renamed, so readers never observe a partial layer.
type LayerCache struct {
	dir string
}

func NewLayerCache(dir string) (*LayerCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create layer cache %s: %w", dir, err)
	}
	return &LayerCache{dir: dir}, nil
}

// CacheKey hashes the inputs that determine a layer's content.
func CacheKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached layer for key, if present.
func (c *LayerCache) Get(key string) (v1.Layer, bool, error) {
	path := c.path(key)
	if _, err := os.Stat(path); err != nil {
		return nil, false, nil
	}
	layer, err := tarball.LayerFromFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("read cached layer %s: %w", key, err)
	}
	return layer, true, nil
}

// Put stores layer under key and returns a handle backed by the cache file.
func (c *LayerCache) Put(key string, layer v1.Layer) (v1.Layer, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("open layer for caching: %w", err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(c.dir, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("stage cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		return nil, fmt.Errorf("commit cache entry %s: %w", key, err)
	}

	cached, err := tarball.LayerFromFile(c.path(key))
	if err != nil {
		return nil, fmt.Errorf("reopen cached layer %s: %w", key, err)
	}
	return cached, nil
}

func (c *LayerCache) path(key string) string {
	return filepath.Join(c.dir, key+".tar")
}
