// Package transfer drives the client side of a chunked object upload: it
// plans nothing itself, but takes a chunk provider and an upload target and
// moves every chunk across under bounded concurrency, with per-chunk retry,
// pause/resume/cancel, and progress reporting.
package transfer

import (
	"context"
	"fmt"
	"io"
)

// Status is the lifecycle state of one object transfer.
type Status int

const (
	// StatusPending means the transfer has not started, or was cancelled.
	StatusPending Status = iota
	// StatusUploading means chunks are being transmitted.
	StatusUploading
	// StatusPaused means no chunk is actively transmitting and no new send starts.
	StatusPaused
	// StatusAssembling means all chunks are acknowledged and the server is concatenating.
	StatusAssembling
	// StatusDone means the final artifact exists on the server.
	StatusDone
	// StatusError means the transfer failed terminally.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploading:
		return "uploading"
	case StatusPaused:
		return "paused"
	case StatusAssembling:
		return "assembling"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of a transfer's progress.
// The Scheduler owns the live copy; observers get value copies via Snapshot.
type State struct {
	TotalBytes int64
	SentBytes  int64
	Status     Status
	SpeedBps   float64
	ETASeconds float64
	LastError  error
}

// Percent returns the displayed completion percentage. It is capped below
// 100 until the transfer reaches Done, so observers never see a complete
// transfer while the server is still assembling.
func (s State) Percent() float64 {
	if s.Status == StatusDone {
		return 100
	}
	if s.TotalBytes == 0 {
		return 0
	}
	pct := float64(s.SentBytes) / float64(s.TotalBytes) * 100
	if pct > 99 {
		pct = 99
	}
	return pct
}

// FinalizeResult is what the upload target reports after assembly.
type FinalizeResult struct {
	FinalPath     string
	OriginalName  string
	SanitizedName string
}

// Target is the server-side counterpart of one object transfer.
// PutChunk must be idempotent per index: retried sends overwrite, never
// duplicate.
type Target interface {
	PutChunk(ctx context.Context, index uint32, chunk io.Reader, length int64) error
	Finalize(ctx context.Context, totalChunks uint32) (FinalizeResult, error)
}

// ChunkExhaustedError is the terminal failure of a single chunk after its
// full retry budget is spent. It surfaces as the whole object's error.
type ChunkExhaustedError struct {
	Index    uint32
	Attempts int
	Err      error
}

func (e *ChunkExhaustedError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkExhaustedError) Unwrap() error {
	return e.Err
}
