package buildspec

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SpecFileName is the optional recipe file looked up at the context root.
const SpecFileName = "forge.yaml"

// ErrNoSpecFile indicates the context carries no recipe file.
var ErrNoSpecFile = errors.New("no forge.yaml in context")

// LoadFile reads a build spec from a YAML recipe file.
func LoadFile(path string) (Spec, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read spec file: %w", err)
	}
	var s Spec
	if err := yaml.Unmarshal(body, &s); err != nil {
		return Spec{}, fmt.Errorf("decode spec file %s: %w", path, err)
	}
	return s.WithDefaults(), nil
}

// FromContext loads the recipe file at the root of a build context.
// Returns ErrNoSpecFile when the context declares none.
func FromContext(contextDir string) (Spec, error) {
	path := filepath.Join(contextDir, SpecFileName)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Spec{}, ErrNoSpecFile
		}
		return Spec{}, fmt.Errorf("stat spec file: %w", err)
	}
	return LoadFile(path)
}
