package store

import "errors"

// Store errors
var (
	// ErrNotFound reports a read of a row that does not exist.
	ErrNotFound = errors.New("store: row not found")

	// ErrUnavailable reports that the backend could not be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrPermissionDenied reports an ACL rejection. Not retried.
	ErrPermissionDenied = errors.New("store: permission denied")

	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("store: closed")

	// ErrWatchCanceled reports that a watch ended because its context
	// was cancelled rather than because the feed failed.
	ErrWatchCanceled = errors.New("store: watch canceled")

	// ErrBadResumeMarker reports a marker the backend cannot interpret.
	ErrBadResumeMarker = errors.New("store: bad resume marker")
)

// DecodeError wraps a malformed value found in a scan result or change
// event. The offending record is skipped; the stream continues.
type DecodeError struct {
	Table string
	Row   string
	Err   error
}

func (e *DecodeError) Error() string {
	return "store: decode " + e.Table + "/" + e.Row + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
