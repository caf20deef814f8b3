// Package session implements the server side of a chunked object transfer:
// a registry that issues upload sessions, a receiver that persists chunks
// out of order, and an assembler that concatenates them into the final
// artifact. Storage goes through billy filesystems, so production runs on
// the OS filesystem and tests on an in-memory one.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5"
	"github.com/google/uuid"

	"github.com/chunkwise/chunkwise/plan"
)

// Session is the server-side bookkeeping for one object transfer. It is
// created by the Registry, fed by the Receiver, and destroyed by the
// Assembler. A session's temp dir is private to it; concurrent sessions
// share only the parent namespace.
type Session struct {
	ID           string
	ObjectName   string
	DeclaredSize int64
	MimeType     string
	ChunkSize    int64
	CreatedAt    time.Time

	dir string

	mu        sync.Mutex
	received  map[uint32]int64
	finalized bool
}

// expectedChunkLength returns the only valid byte length for the chunk at
// the given index, or 0 when the session carries no size information to
// check against.
func (s *Session) expectedChunkLength(index uint32) int64 {
	if s.DeclaredSize <= 0 || s.ChunkSize <= 0 {
		return 0
	}
	total := (s.DeclaredSize + s.ChunkSize - 1) / s.ChunkSize
	if int64(index) >= total {
		return -1 // index beyond the declared object
	}
	if int64(index) == total-1 {
		if rem := s.DeclaredSize - int64(index)*s.ChunkSize; rem > 0 {
			return rem
		}
	}
	return s.ChunkSize
}

// receivedIndices returns a copy of the chunk indices the session holds.
func (s *Session) receivedIndices() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	indices := make([]uint32, 0, len(s.received))
	for idx := range s.received {
		indices = append(indices, idx)
	}
	return indices
}

// InitResult is what a freshly initialized session reports to the client.
type InitResult struct {
	SessionID            string
	RecommendedChunkSize int64
	// AlreadyReceived is reserved for resuming abandoned sessions. A fresh
	// session always reports it empty.
	AlreadyReceived []uint32
}

// Registry issues upload sessions and owns their temp storage areas.
type Registry struct {
	fs     billy.Filesystem
	logger log.Logger

	// ChunkSizePolicy maps a declared object size to the chunk size the
	// server recommends (and then expects). Defaults to the planner's
	// policy; operators can swap in their own.
	ChunkSizePolicy func(declaredSize int64) int64

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose session temp dirs live under the
// root of the given filesystem.
func NewRegistry(fs billy.Filesystem, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Registry{
		fs:     fs,
		logger: logger,
		ChunkSizePolicy: func(declaredSize int64) int64 {
			return plan.For(declaredSize).ChunkSize
		},
		sessions: map[string]*Session{},
	}
}

// Init allocates a session for one object transfer: an unguessable
// identifier, a private temp dir, and a recommended chunk size derived from
// the declared object size. The recommendation is authoritative for the
// client's chunk size.
func (r *Registry) Init(objectName string, declaredSize int64, mimeType string) (*InitResult, error) {
	// Two UUIDs give well over the required 128 bits of entropy.
	id := uuid.New().String() + uuid.New().String()

	if err := r.fs.MkdirAll(id, 0o700); err != nil {
		return nil, fmt.Errorf("create session temp dir: %w", err)
	}

	s := &Session{
		ID:           id,
		ObjectName:   objectName,
		DeclaredSize: declaredSize,
		MimeType:     mimeType,
		ChunkSize:    r.ChunkSizePolicy(declaredSize),
		CreatedAt:    time.Now(),
		dir:          id,
		received:     map[uint32]int64{},
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.logger.Debugf("Session %s created for %q (%d bytes, %s)", id, objectName, declaredSize, mimeType)
	return &InitResult{
		SessionID:            id,
		RecommendedChunkSize: s.ChunkSize,
		AlreadyReceived:      s.receivedIndices(),
	}, nil
}

// Lookup returns the session for the given ID, or ErrSessionNotFound.
func (r *Registry) Lookup(sessionID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
}

func chunkPath(fs billy.Filesystem, dir string, index uint32) string {
	return fs.Join(dir, fmt.Sprintf("chunk_%06d", index))
}
