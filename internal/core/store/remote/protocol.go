// Package remote implements a store client that speaks the gateway wire
// protocol over a transport connection. Frames are JSON messages; every
// request carries an id that the response echoes, and watch events are
// pushed asynchronously under the watch's own id.
package remote

import (
	"encoding/json"
	"errors"

	"github.com/pagesync/pagesync/internal/core/store"
)

// Operation names carried in the Op field of a request.
const (
	OpHello    = "hello"
	OpPut      = "put"
	OpGet      = "get"
	OpDelete   = "delete"
	OpScan     = "scan"
	OpSnapshot = "snapshot"
	OpWatch    = "watch"
	OpCancel   = "cancel"
)

// Error codes carried in the Code field of a response.
const (
	CodeOK               = ""
	CodeNotFound         = "not_found"
	CodePermissionDenied = "permission_denied"
	CodeBadResumeMarker  = "bad_resume_marker"
	CodeInternal         = "internal"
)

// Request is a client to gateway frame.
type Request struct {
	ID    uint64 `json:"id"`
	Op    string `json:"op"`
	Table string `json:"table,omitempty"`
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`

	// Scan bounds.
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	// Watch resume marker.
	Resume []byte `json:"resume,omitempty"`

	// Hello credentials. Device identifies the writer for origin
	// tagging, Secret authenticates against the gateway.
	Device string `json:"device,omitempty"`
	Secret string `json:"secret,omitempty"`

	// Cancel target.
	Watch uint64 `json:"watch,omitempty"`
}

// Response is a gateway to client frame answering a request.
type Response struct {
	ID    uint64 `json:"id"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Value  []byte           `json:"value,omitempty"`
	Rows   []store.KeyValue `json:"rows,omitempty"`
	Resume []byte           `json:"resume,omitempty"`

	// Set on watch event frames; zero on plain responses.
	Watch uint64      `json:"watch,omitempty"`
	Event *WatchEvent `json:"event,omitempty"`

	// Set with Watch when the gateway ends the stream.
	WatchDone bool `json:"watchDone,omitempty"`
}

// WatchEvent is a single replicated change pushed to a watching client.
type WatchEvent struct {
	Table      string           `json:"table"`
	Row        string           `json:"row"`
	Kind       store.ChangeKind `json:"kind"`
	Value      []byte           `json:"value,omitempty"`
	FromRemote bool             `json:"fromRemote"`
	Resume     []byte           `json:"resume"`
}

// EncodeFrame marshals a protocol message for the wire.
func EncodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeFrame unmarshals a protocol message from the wire.
func DecodeFrame(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// CodeToError maps a response error code back to the store sentinel.
func CodeToError(code string, msg string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeNotFound:
		return store.ErrNotFound
	case CodePermissionDenied:
		return store.ErrPermissionDenied
	case CodeBadResumeMarker:
		return store.ErrBadResumeMarker
	default:
		if msg != "" {
			return errorsString(msg)
		}
		return store.ErrUnavailable
	}
}

// ErrorToCode maps a store error to its wire code.
func ErrorToCode(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, store.ErrBadResumeMarker):
		return CodeBadResumeMarker
	default:
		return CodeInternal
	}
}

type errorsString string

func (e errorsString) Error() string { return string(e) }
