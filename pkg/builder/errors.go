package builder

import (
	"errors"
	"fmt"
)

// ErrorKind classifies build failures. Every kind is fatal to the build;
// the engine never retries. Retry policy belongs to the caller.
type ErrorKind string

const (
	// KindResolution covers base images that cannot be parsed or pulled.
	KindResolution ErrorKind = "resolution"
	// KindInstall covers dependency install failures; the installer's
	// diagnostic is preserved verbatim in the wrapped error.
	KindInstall ErrorKind = "install"
	// KindCopy covers missing or unreadable manifest and source paths.
	KindCopy ErrorKind = "copy"
	// KindConfig covers malformed step parameters, e.g. an unset workdir.
	KindConfig ErrorKind = "config"
)

// BuildError is the engine's failure envelope: which step failed, how it is
// classified, and the underlying cause.
type BuildError struct {
	Step string
	Kind ErrorKind
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

func stepError(step string, kind ErrorKind, err error) *BuildError {
	return &BuildError{Step: step, Kind: kind, Err: err}
}

// KindOf extracts the error classification, or "" for non-build errors
// such as context cancellation.
func KindOf(err error) ErrorKind {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
