package store

import "encoding/binary"

// Sequence-based resume markers shared by the built-in backends. Both the
// memory and sqlite engines assign a monotonic commit sequence to every
// change; the marker is that sequence, big-endian.

// MarkerFromSeq encodes a commit sequence as a resume marker.
func MarkerFromSeq(seq uint64) ResumeMarker {
	m := make(ResumeMarker, 8)
	binary.BigEndian.PutUint64(m, seq)
	return m
}

// SeqFromMarker decodes a marker produced by MarkerFromSeq. A nil or empty
// marker decodes to sequence 0, i.e. "from the beginning of the log".
func SeqFromMarker(m ResumeMarker) (uint64, error) {
	if len(m) == 0 {
		return 0, nil
	}
	if len(m) != 8 {
		return 0, ErrBadResumeMarker
	}
	return binary.BigEndian.Uint64(m), nil
}
