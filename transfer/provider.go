package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ChunkProvider provides chunk data for upload.
// GetChunk may be called multiple times for the same index (retries) and
// concurrently for different indices.
type ChunkProvider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// TotalSize returns the object size in bytes.
	TotalSize() int64

	// ChunkSize returns the byte length of the chunk at the given index.
	ChunkSize(index int) int64

	// GetChunk returns a reader for the chunk at the given index.
	GetChunk(index int) (io.Reader, error)
}

// FileChunkProvider reads fixed-size chunks from a file on disk.
// Safe for parallel chunk reads.
type FileChunkProvider struct {
	file      *os.File
	totalSize int64
	chunkSize int64
	numChunks int
}

// NewFileChunkProvider opens path and splits it into chunkSize-byte chunks,
// the last one carrying the remainder.
func NewFileChunkProvider(path string, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	size := info.Size()
	return &FileChunkProvider{
		file:      file,
		totalSize: size,
		chunkSize: chunkSize,
		numChunks: int((size + chunkSize - 1) / chunkSize),
	}, nil
}

// NumChunks returns the total number of chunks.
func (p *FileChunkProvider) NumChunks() int {
	return p.numChunks
}

// TotalSize returns the file size in bytes.
func (p *FileChunkProvider) TotalSize() int64 {
	return p.totalSize
}

// ChunkSize returns the byte length of the chunk at the given index.
func (p *FileChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= p.numChunks {
		return 0
	}
	if index == p.numChunks-1 {
		if rem := p.totalSize - int64(index)*p.chunkSize; rem > 0 {
			return rem
		}
	}
	return p.chunkSize
}

// GetChunk reads the chunk at the given index into memory and returns a
// reader over it, so retries can re-send without re-reading the file.
func (p *FileChunkProvider) GetChunk(index int) (io.Reader, error) {
	size := p.ChunkSize(index)
	if size == 0 {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}

	buf := make([]byte, size)
	offset := int64(index) * p.chunkSize
	if _, err := p.file.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", index, offset, err)
	}

	return bytes.NewReader(buf), nil
}

// Close releases the underlying file handle.
func (p *FileChunkProvider) Close() error {
	return p.file.Close()
}

// ByteSliceChunkProvider serves chunks from in-memory byte slices.
// Mostly useful in tests and for small objects already held in memory.
type ByteSliceChunkProvider struct {
	chunks [][]byte
	total  int64
}

// NewByteSliceChunkProvider wraps pre-split chunk buffers.
func NewByteSliceChunkProvider(chunks [][]byte) *ByteSliceChunkProvider {
	var total int64
	for _, c := range chunks {
		total += int64(len(c))
	}
	return &ByteSliceChunkProvider{chunks: chunks, total: total}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceChunkProvider) NumChunks() int {
	return len(p.chunks)
}

// TotalSize returns the combined byte length of all chunks.
func (p *ByteSliceChunkProvider) TotalSize() int64 {
	return p.total
}

// ChunkSize returns the byte length of the chunk at the given index.
func (p *ByteSliceChunkProvider) ChunkSize(index int) int64 {
	if index < 0 || index >= len(p.chunks) {
		return 0
	}
	return int64(len(p.chunks[index]))
}

// GetChunk returns a reader over the chunk at the given index.
func (p *ByteSliceChunkProvider) GetChunk(index int) (io.Reader, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range", index)
	}
	return bytes.NewReader(p.chunks[index]), nil
}
