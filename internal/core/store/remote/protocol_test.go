package remote

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/pagesync/pagesync/internal/core/store"
)

func TestErrorCodeRoundTrip(t *testing.T) {
	cases := []error{
		store.ErrNotFound,
		store.ErrPermissionDenied,
		store.ErrBadResumeMarker,
	}
	for _, want := range cases {
		code := ErrorToCode(want)
		require.ErrorIs(t, CodeToError(code, want.Error()), want)
	}

	require.NoError(t, CodeToError(ErrorToCode(nil), ""))
}

func TestWrappedErrorsMapToCodes(t *testing.T) {
	wrapped := errors.Wrap(store.ErrNotFound, "lookup failed")
	require.Equal(t, CodeNotFound, ErrorToCode(wrapped))
}

func TestUnknownErrorKeepsMessage(t *testing.T) {
	code := ErrorToCode(errors.New("disk on fire"))
	require.Equal(t, CodeInternal, code)

	err := CodeToError(code, "disk on fire")
	require.EqualError(t, err, "disk on fire")
}

func TestRequestFrameRoundTrip(t *testing.T) {
	req := Request{
		ID:     7,
		Op:     OpPut,
		Table:  "files",
		Key:    "a",
		Value:  []byte("payload"),
		Device: "phone",
	}

	frame, err := EncodeFrame(&req)
	require.NoError(t, err)

	var got Request
	require.NoError(t, DecodeFrame(frame, &got))
	require.Equal(t, req, got)
}
