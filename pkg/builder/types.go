package builder

import (
	"time"

	"github.com/keelhq/forge/pkg/buildspec"
)

// Status is the lifecycle state of a build. The engine moves through the
// states strictly in order; a failure at any step lands in StatusFailed
// with no image produced.
type Status string

const (
	StatusPending               Status = "pending"
	StatusBaseResolved          Status = "base_resolved"
	StatusWorkdirSet            Status = "workdir_set"
	StatusDependenciesInstalled Status = "dependencies_installed"
	StatusSourceCopied          Status = "source_copied"
	StatusEntrypointDeclared    Status = "entrypoint_declared"
	StatusCommitted             Status = "committed"
	StatusFailed                Status = "failed"
)

// Terminal reports whether the status ends a build's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// Build is one build record tracked by the service and workers.
type Build struct {
	ID          string         `json:"id"`
	ContextDir  string         `json:"context_dir"`
	Spec        buildspec.Spec `json:"spec"`
	Tag         string         `json:"tag,omitempty"`
	Status      Status         `json:"status"`
	ImageDigest string         `json:"image_digest,omitempty"`
	ImagePath   string         `json:"image_path,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// CreateRequest is the payload used to request a new build.
type CreateRequest struct {
	ContextDir string         `json:"context_dir"`
	Spec       buildspec.Spec `json:"spec"`
	Tag        string         `json:"tag,omitempty"`

	// Remote context acquisition, optional. When Host is set the context is
	// fetched over SFTP into a temp dir before the build starts.
	ContextHost string `json:"context_host,omitempty"`
	ContextUser string `json:"context_user,omitempty"`
	ContextKey  string `json:"context_key,omitempty"`
}
