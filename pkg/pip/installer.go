package pip

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Installer materializes manifest packages into a staging directory that
// becomes the dependency layer. Installation is the one network-bound build
// step; it runs synchronously and honors context cancellation.
type Installer interface {
	Install(ctx context.Context, manifestPath, stageDir string) error
}

// CLIInstaller shells out to pip with an install prefix, so packages land
// in the staging tree instead of the host interpreter's site-packages.
type CLIInstaller struct {
	// Python is the interpreter used to run pip. Defaults to "python3".
	Python string
}

func NewCLIInstaller(python string) *CLIInstaller {
	if python == "" {
		python = "python3"
	}
	return &CLIInstaller{Python: python}
}

func (i *CLIInstaller) Install(ctx context.Context, manifestPath, stageDir string) error {
	cmd := exec.CommandContext(ctx, i.Python,
		"-m", "pip", "install",
		"--disable-pip-version-check",
		"--no-compile",
		"--target", stageDir,
		"-r", manifestPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// The installer's own diagnostic is the useful part; keep it intact.
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			return fmt.Errorf("pip install: %w", err)
		}
		return fmt.Errorf("pip install: %w: %s", err, diag)
	}
	return nil
}
