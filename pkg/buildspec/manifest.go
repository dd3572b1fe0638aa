package buildspec

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Manifest is the ordered list of requirement strings read from a
// dependency manifest. Order is preserved as written.
type Manifest struct {
	Requirements []string
}

// Empty reports whether the manifest lists no requirements. An empty
// manifest is valid; the install step becomes a no-op.
func (m Manifest) Empty() bool {
	return len(m.Requirements) == 0
}

// ParseManifest reads requirement lines, skipping blanks and comments.
// Trailing " #" comments are stripped the way pip does.
func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, " #"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}
		m.Requirements = append(m.Requirements, line)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

// LoadManifest parses the manifest file at path.
func LoadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	return ParseManifest(f)
}
