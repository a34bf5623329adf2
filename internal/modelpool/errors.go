package modelpool

import "errors"

// Sentinel errors returned by Store. ErrModelNotConfigured and
// ErrNoHealthyInstance from Select are mapped to HTTP status codes by the
// HTTP handlers (llmproxy, httpapi) and never re-raised past them;
// ErrUnknownInstance comes only from Commit and ResetStatus.
var (
	ErrModelNotConfigured = errors.New("model not configured")
	ErrNoHealthyInstance  = errors.New("no healthy instance")
	ErrUnknownInstance    = errors.New("unknown instance")
)
