package codec

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForName(t *testing.T) {
	c, err := ForName("")
	require.NoError(t, err)
	assert.IsType(t, Identity{}, c)

	c, err = ForName("zstd")
	require.NoError(t, err)
	assert.IsType(t, Zstd{}, c)

	_, err = ForName("brotli")
	assert.Error(t, err)
}

func TestZstd_RoundTrip(t *testing.T) {
	payload := make([]byte, 64*1024)
	rng := rand.New(rand.NewSource(1))
	_, err := rng.Read(payload[:32*1024])
	require.NoError(t, err)
	// Second half left zeroed so compression actually shrinks something.

	var wire bytes.Buffer
	w, err := Zstd{}.Compress(&wire)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Less(t, wire.Len(), len(payload))

	r, err := Zstd{}.Decompress(&wire)
	require.NoError(t, err)
	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	assert.Equal(t, payload, decoded)
}

func TestIdentity_RoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w, err := Identity{}.Compress(&wire)
	require.NoError(t, err)
	_, err = w.Write([]byte("as-is"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "as-is", wire.String())

	r, err := Identity{}.Decompress(&wire)
	require.NoError(t, err)
	decoded, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("as-is"), decoded)
}
