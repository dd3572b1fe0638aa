package contextroot

import (
	"fmt"
	"os"
	"path/filepath"
)

// ResolveLocal verifies that dir is an existing directory and returns its
// absolute path, ready to serve as a build context root.
func ResolveLocal(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve context path %s: %w", dir, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("open build context: %w", err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("build context %s is not a directory", abs)
	}
	return abs, nil
}
