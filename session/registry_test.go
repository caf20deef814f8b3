package session

import (
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = int64(1 << 20)

func TestRegistry_Init(t *testing.T) {
	fs := memfs.New()
	registry := NewRegistry(fs, log.NewLogger())

	result, err := registry.Init("video.mp4", 120*mb, "video/mp4")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(result.SessionID), 64, "session id needs at least 128 bits of entropy")
	assert.Equal(t, 10*mb, result.RecommendedChunkSize, "recommendation follows the planner")
	assert.Empty(t, result.AlreadyReceived)

	// The session got a private temp dir.
	info, err := fs.Stat(result.SessionID)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	s, err := registry.Lookup(result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", s.ObjectName)
	assert.Equal(t, 120*mb, s.DeclaredSize)
	assert.Equal(t, "video/mp4", s.MimeType)
}

func TestRegistry_Init_UniqueIDs(t *testing.T) {
	registry := NewRegistry(memfs.New(), log.NewLogger())

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		result, err := registry.Init("x", 1, "")
		require.NoError(t, err)
		require.False(t, seen[result.SessionID], "session ids must not collide")
		seen[result.SessionID] = true
	}
	assert.Equal(t, 100, registry.Count())
}

func TestRegistry_Lookup_Unknown(t *testing.T) {
	registry := NewRegistry(memfs.New(), log.NewLogger())

	_, err := registry.Lookup("no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistry_ChunkSizePolicyOverride(t *testing.T) {
	registry := NewRegistry(memfs.New(), log.NewLogger())
	registry.ChunkSizePolicy = func(int64) int64 { return 1024 }

	result, err := registry.Init("x", 10_000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), result.RecommendedChunkSize)
}

func TestSession_ExpectedChunkLength(t *testing.T) {
	s := &Session{DeclaredSize: 2500, ChunkSize: 1000}

	assert.Equal(t, int64(1000), s.expectedChunkLength(0))
	assert.Equal(t, int64(1000), s.expectedChunkLength(1))
	assert.Equal(t, int64(500), s.expectedChunkLength(2), "tail chunk carries the remainder")
	assert.Equal(t, int64(-1), s.expectedChunkLength(3), "index beyond the declared object")

	unknown := &Session{DeclaredSize: 0, ChunkSize: 1000}
	assert.Zero(t, unknown.expectedChunkLength(0), "no size to verify against")
}
