// Package codec provides the transfer codecs chunks can be wrapped in on
// the wire. Stored chunk records are always raw bytes; a codec only shapes
// the bytes in transit, so the server's assembly never depends on it.
package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses a chunk for transmission and restores it on arrival.
type Codec interface {
	// Name is the value carried in the Content-Encoding header, empty for
	// identity.
	Name() string

	// Compress wraps w; chunk bytes written to the returned writer come out
	// of w encoded. Close flushes the encoder without closing w.
	Compress(w io.Writer) (io.WriteCloser, error)

	// Decompress wraps r; reads from the returned reader yield the decoded
	// chunk bytes.
	Decompress(r io.Reader) (io.ReadCloser, error)
}

// ForName returns the codec registered under the given Content-Encoding
// value. An empty name is the identity codec.
func ForName(name string) (Codec, error) {
	switch name {
	case "":
		return Identity{}, nil
	case "zstd":
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("unsupported transfer encoding %q", name)
	}
}

// Identity passes chunk bytes through untouched.
type Identity struct{}

// Name returns the empty encoding name.
func (Identity) Name() string { return "" }

// Compress returns w unchanged.
func (Identity) Compress(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

// Decompress returns r unchanged.
func (Identity) Decompress(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Zstd compresses chunks with zstandard.
type Zstd struct{}

// Name returns the Content-Encoding value for zstandard.
func (Zstd) Name() string { return "zstd" }

// Compress wraps w in a zstd encoder.
func (Zstd) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return enc, nil
}

// Decompress wraps r in a zstd decoder.
func (Zstd) Decompress(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}
