package session

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Receiver persists arriving chunks. It does no ordering or completeness
// checks, so puts are O(1) and arrivals can be concurrent and out of order;
// completeness is the Assembler's job.
type Receiver struct {
	registry *Registry
	logger   log.Logger
}

// PutResult reports where a chunk was stored and how many bytes it holds.
type PutResult struct {
	StoredLocation string
	ByteLength     int64
}

// NewReceiver creates a receiver over the registry's temp storage.
func NewReceiver(registry *Registry, logger log.Logger) *Receiver {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Receiver{registry: registry, logger: logger}
}

// Put stores one chunk, addressed solely by (session, index). A repeat put
// for the same index truncates and rewrites, which is what makes client
// retries and at-least-once transports safe. The byte length is verified
// against the session's declared size when one is known.
func (rc *Receiver) Put(sessionID string, index uint32, chunk io.Reader) (PutResult, error) {
	s, err := rc.registry.Lookup(sessionID)
	if err != nil {
		return PutResult{}, err
	}

	location := chunkPath(rc.registry.fs, s.dir, index)
	f, err := rc.registry.fs.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return PutResult{}, fmt.Errorf("open chunk file: %w", err)
	}

	n, err := io.Copy(f, chunk)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = rc.registry.fs.Remove(location)
		return PutResult{}, fmt.Errorf("write chunk %d: %w", index, err)
	}

	if want := s.expectedChunkLength(index); want != 0 && n != want {
		_ = rc.registry.fs.Remove(location)
		if want < 0 {
			return PutResult{}, &ChunkLengthError{Index: index, Got: n, Want: 0}
		}
		return PutResult{}, &ChunkLengthError{Index: index, Got: n, Want: want}
	}

	// A put racing finalize can land after the temp dir is purged. The
	// finalized flag closes that window; the stray file is removed so no
	// orphan survives in the temp root.
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		_ = rc.registry.fs.Remove(location)
		return PutResult{}, ErrSessionNotFound
	}
	s.received[index] = n
	s.mu.Unlock()

	rc.logger.Debugf("Session %s: stored chunk %d (%d bytes)", sessionID, index, n)
	return PutResult{StoredLocation: location, ByteLength: n}, nil
}
