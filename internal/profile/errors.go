package profile

import "errors"

var (
	// ErrInvalidArgument marks requests rejected before any work is done:
	// a missing required field on create, or an empty/unparseable source.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by store operations that require an existing
	// record. Worker request handling treats it as a silent no-op; the API
	// surfaces it as 404.
	ErrNotFound = errors.New("profile not found")

	// ErrFetchFailed wraps network/content errors from the fetch step.
	ErrFetchFailed = errors.New("fetch failed")
)
