package reader

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// RandomID returns a random id for device sets and devices.
func RandomID() string {
	return uuid.NewString()
}

// FileID returns the id for a file with the given contents. Content hashing
// keeps re-imports of the same document on the same row across devices.
func FileID(contents []byte) string {
	if contents == nil {
		return RandomID()
	}
	return strconv.FormatUint(xxhash.Sum64(contents), 16)
}
