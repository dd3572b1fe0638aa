package apitypes

import "github.com/keelhq/forge/pkg/builder"

// SubmissionEnvelope is the canonical response for build submissions.
type SubmissionEnvelope struct {
	BuildID   string `json:"build_id"`
	StatusURL string `json:"status_url"`
	LogsURL   string `json:"logs_url"`
}

// BuildResponse wraps a single build record.
type BuildResponse struct {
	Build builder.Build `json:"build"`
}

// BuildListResponse wraps a build listing.
type BuildListResponse struct {
	Builds []builder.Build `json:"builds"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind carries the build error classification when one applies:
	// resolution, install, copy, or config.
	Kind string `json:"kind,omitempty"`
}
