package siem

import "errors"

// Error taxonomy for SIEM operations. Connectors map transport and HTTP
// status failures onto these sentinels so the pipeline can classify them
// without knowing the backend.
var (
	// ErrBackendUnavailable means the SIEM could not be reached or returned
	// a server-side error. Transient: retry with backoff.
	ErrBackendUnavailable = errors.New("siem: backend unavailable")

	// ErrAuthFailure means the backend rejected our credentials. Fatal for
	// the whole run; retrying cannot help until credentials are fixed.
	ErrAuthFailure = errors.New("siem: authentication failed")

	// ErrNotFound means the target alert no longer exists. Permanent for
	// that alert.
	ErrNotFound = errors.New("siem: not found")
)
