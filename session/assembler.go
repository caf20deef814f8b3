package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

// Archiver pushes a finalized artifact to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, fs billy.Filesystem, name string, size int64, contentType string) error
}

// Assembler turns a complete chunk set into the final artifact. Assembly is
// sequential: what matters is strict index order, not speed.
type Assembler struct {
	registry   *Registry
	outFS      billy.Filesystem
	outputRoot string
	archiver   Archiver
	logger     log.Logger
}

// FinalizeResult carries the final artifact's location plus both names so
// the caller can reconcile what it asked for with what it got.
type FinalizeResult struct {
	FinalPath     string
	OriginalName  string
	SanitizedName string
}

// NewAssembler creates an assembler writing artifacts into outFS.
// outputRoot is only used to report absolute final paths. archiver may be
// nil to skip archiving.
func NewAssembler(registry *Registry, outFS billy.Filesystem, outputRoot string, archiver Archiver, logger log.Logger) *Assembler {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Assembler{
		registry:   registry,
		outFS:      outFS,
		outputRoot: outputRoot,
		archiver:   archiver,
		logger:     logger,
	}
}

// Finalize verifies chunks 0..totalChunks-1 are all present, concatenates
// them in strict index order into the output filesystem under a sanitized
// name, then destroys the session and its temp storage. On any failure the
// in-progress output is removed, never exposed. Concurrent finalizes for
// one session serialize on the session lock; whoever comes second finds the
// session finalized and gets ErrSessionNotFound, the same answer a third
// party with a stale ID would get.
func (a *Assembler) Finalize(ctx context.Context, sessionID string, totalChunks uint32, objectName string) (*FinalizeResult, error) {
	s, err := a.registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil, ErrSessionNotFound
	}

	// A zero-size object legitimately has zero chunks and assembles into an
	// empty artifact.
	if totalChunks == 0 && s.DeclaredSize != 0 {
		return nil, fmt.Errorf("total chunks must be positive for a %d byte object", s.DeclaredSize)
	}
	if s.DeclaredSize > 0 && s.ChunkSize > 0 {
		expected := uint32((s.DeclaredSize + s.ChunkSize - 1) / s.ChunkSize)
		if totalChunks != expected {
			return nil, fmt.Errorf("total chunks mismatch: caller says %d, declared size implies %d", totalChunks, expected)
		}
	}

	tempFS := a.registry.fs
	for i := uint32(0); i < totalChunks; i++ {
		if _, err := tempFS.Stat(chunkPath(tempFS, s.dir, i)); err != nil {
			return nil, &MissingChunkError{Index: i}
		}
	}

	sanitized := Sanitize(objectName)
	written, err := a.concatenate(s, totalChunks, sanitized)
	if err != nil {
		return nil, err
	}

	s.finalized = true
	a.registry.remove(sessionID)
	if err := util.RemoveAll(tempFS, s.dir); err != nil {
		// The artifact is complete; leaking a temp dir is not worth failing over.
		a.logger.Warnf("Session %s: could not purge temp storage: %v", sessionID, err)
	}

	a.logger.Infof("Session %s: assembled %q (%d chunks, %d bytes)", sessionID, sanitized, totalChunks, written)

	if a.archiver != nil {
		if err := a.archiver.Archive(ctx, a.outFS, sanitized, written, s.MimeType); err != nil {
			a.logger.Warnf("Session %s: archive of %q failed: %v", sessionID, sanitized, err)
		}
	}

	return &FinalizeResult{
		FinalPath:     path.Join(a.outputRoot, sanitized),
		OriginalName:  objectName,
		SanitizedName: sanitized,
	}, nil
}

func (a *Assembler) concatenate(s *Session, totalChunks uint32, name string) (int64, error) {
	out, err := a.outFS.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create output file: %w", err)
	}

	tempFS := a.registry.fs
	var written int64
	for i := uint32(0); i < totalChunks; i++ {
		n, err := appendChunk(tempFS, out, chunkPath(tempFS, s.dir, i))
		if err != nil {
			out.Close()
			_ = a.outFS.Remove(name)
			return 0, fmt.Errorf("append chunk %d: %w", i, err)
		}
		written += n
	}

	if err := out.Close(); err != nil {
		_ = a.outFS.Remove(name)
		return 0, fmt.Errorf("close output file: %w", err)
	}
	return written, nil
}

func appendChunk(fs billy.Filesystem, out io.Writer, location string) (int64, error) {
	chunk, err := fs.Open(location)
	if err != nil {
		return 0, err
	}
	defer chunk.Close()
	return io.Copy(out, chunk)
}
