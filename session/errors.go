package session

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned for unknown session identifiers. IDs are not
// guessable, so hitting this means a genuine lifecycle mismatch (expired,
// already finalized, or mistyped) and is never worth retrying.
var ErrSessionNotFound = errors.New("upload session not found")

// MissingChunkError is returned by finalize when a chunk index has no stored
// record. The session is kept so the caller can re-supply the chunk and
// finalize again.
type MissingChunkError struct {
	Index uint32
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("chunk %d is missing", e.Index)
}

// ChunkLengthError is returned by the receiver when a chunk's byte length
// cannot be valid for its index given the session's declared size.
type ChunkLengthError struct {
	Index uint32
	Got   int64
	Want  int64
}

func (e *ChunkLengthError) Error() string {
	return fmt.Sprintf("chunk %d has %d bytes, expected %d", e.Index, e.Got, e.Want)
}
