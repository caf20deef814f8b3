package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadObject(t *testing.T, registry *Registry, receiver *Receiver, name string, content []byte, chunkSize int64) (*InitResult, uint32) {
	t.Helper()
	init, err := registry.Init(name, int64(len(content)), "application/octet-stream")
	require.NoError(t, err)

	total := uint32((int64(len(content)) + chunkSize - 1) / chunkSize)
	for i := uint32(0); i < total; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		_, err := receiver.Put(init.SessionID, i, bytes.NewReader(content[start:end]))
		require.NoError(t, err)
	}
	return init, total
}

func readArtifact(t *testing.T, fs billy.Filesystem, name string) []byte {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func TestAssembler_RoundTrip(t *testing.T) {
	registry, tempFS := testRegistry(t, 1024)
	receiver := NewReceiver(registry, log.NewLogger())
	outFS := memfs.New()
	assembler := NewAssembler(registry, outFS, "/output", nil, log.NewLogger())

	content := make([]byte, 10*1024+123)
	rng := rand.New(rand.NewSource(9))
	_, err := rng.Read(content)
	require.NoError(t, err)

	init, total := uploadObject(t, registry, receiver, "report.pdf", content, 1024)

	result, err := assembler.Finalize(context.Background(), init.SessionID, total, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "/output/report.pdf", result.FinalPath)
	assert.Equal(t, "report.pdf", result.OriginalName)
	assert.Equal(t, "report.pdf", result.SanitizedName)

	assert.Equal(t, content, readArtifact(t, outFS, "report.pdf"), "assembly must reproduce the object byte for byte")

	// Session and temp chunks are gone.
	assert.Zero(t, registry.Count())
	_, err = tempFS.Stat(init.SessionID)
	assert.Error(t, err, "temp storage must be purged")
}

func TestAssembler_ZeroByteObject(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	outFS := memfs.New()
	assembler := NewAssembler(registry, outFS, "/output", nil, log.NewLogger())

	init, err := registry.Init("empty.bin", 0, "")
	require.NoError(t, err)

	result, err := assembler.Finalize(context.Background(), init.SessionID, 0, "empty.bin")
	require.NoError(t, err)
	assert.Equal(t, "/output/empty.bin", result.FinalPath)

	assert.Empty(t, readArtifact(t, outFS, "empty.bin"), "a zero-size object assembles into an empty artifact")
	assert.Zero(t, registry.Count())
}

func TestAssembler_MissingChunk(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	receiver := NewReceiver(registry, log.NewLogger())
	outFS := memfs.New()
	assembler := NewAssembler(registry, outFS, "/output", nil, log.NewLogger())

	init, err := registry.Init("data.bin", 18, "") // 5 chunks: 4,4,4,4,2
	require.NoError(t, err)
	for _, i := range []uint32{0, 1, 3} {
		_, err := receiver.Put(init.SessionID, i, bytes.NewReader([]byte("abcd")))
		require.NoError(t, err)
	}
	_, err = receiver.Put(init.SessionID, 4, bytes.NewReader([]byte("yz")))
	require.NoError(t, err)

	_, err = assembler.Finalize(context.Background(), init.SessionID, 5, "data.bin")
	var missing *MissingChunkError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, uint32(2), missing.Index)

	// No partial output was exposed.
	_, statErr := outFS.Stat("data.bin")
	assert.Error(t, statErr)

	// The session survives; re-supplying the chunk makes finalize succeed.
	_, err = receiver.Put(init.SessionID, 2, bytes.NewReader([]byte("efgh")))
	require.NoError(t, err)
	result, err := assembler.Finalize(context.Background(), init.SessionID, 5, "data.bin")
	require.NoError(t, err)
	assert.Equal(t, "data.bin", result.SanitizedName)
}

func TestAssembler_DoubleFinalize(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	receiver := NewReceiver(registry, log.NewLogger())
	outFS := memfs.New()
	assembler := NewAssembler(registry, outFS, "/output", nil, log.NewLogger())

	content := []byte("exactly twelve b")
	init, total := uploadObject(t, registry, receiver, "x.bin", content, 4)

	first, err := assembler.Finalize(context.Background(), init.SessionID, total, "x.bin")
	require.NoError(t, err)

	_, err = assembler.Finalize(context.Background(), init.SessionID, total, "x.bin")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a finalized session is gone")

	// The first output is untouched.
	assert.Equal(t, content, readArtifact(t, outFS, first.SanitizedName))
}

func TestAssembler_TotalChunksMismatch(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	receiver := NewReceiver(registry, log.NewLogger())
	assembler := NewAssembler(registry, memfs.New(), "/output", nil, log.NewLogger())

	content := []byte("0123456789ab")
	init, _ := uploadObject(t, registry, receiver, "x.bin", content, 4)

	_, err := assembler.Finalize(context.Background(), init.SessionID, 7, "x.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")

	_, err = assembler.Finalize(context.Background(), init.SessionID, 0, "x.bin")
	require.Error(t, err)
}

func TestAssembler_SanitizesHostileNames(t *testing.T) {
	hostileNames := []string{
		"../../etc/passwd",
		`..\..\windows\system32`,
		"dir/sub/../../../escape.bin",
		`<script>:"|?*[]`,
	}

	for _, name := range hostileNames {
		t.Run(name, func(t *testing.T) {
			registry, _ := testRegistry(t, 4)
			receiver := NewReceiver(registry, log.NewLogger())
			outFS := memfs.New()
			assembler := NewAssembler(registry, outFS, "/output", nil, log.NewLogger())

			content := []byte("abcd")
			init, total := uploadObject(t, registry, receiver, name, content, 4)

			result, err := assembler.Finalize(context.Background(), init.SessionID, total, name)
			require.NoError(t, err)

			assert.NotContains(t, result.SanitizedName, "/")
			assert.NotContains(t, result.SanitizedName, `\`)
			assert.NotContains(t, result.SanitizedName, "..")

			// The artifact sits directly under the output root.
			entries, err := outFS.ReadDir("/")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, result.SanitizedName, entries[0].Name())
		})
	}
}

type recordingArchiver struct {
	calls []string
	fail  error
}

func (a *recordingArchiver) Archive(_ context.Context, _ billy.Filesystem, name string, size int64, contentType string) error {
	a.calls = append(a.calls, fmt.Sprintf("%s:%d:%s", name, size, contentType))
	return a.fail
}

func TestAssembler_ArchiverHook(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	receiver := NewReceiver(registry, log.NewLogger())
	archiver := &recordingArchiver{}
	assembler := NewAssembler(registry, memfs.New(), "/output", archiver, log.NewLogger())

	content := []byte("01234567")
	init, total := uploadObject(t, registry, receiver, "a.bin", content, 4)

	_, err := assembler.Finalize(context.Background(), init.SessionID, total, "a.bin")
	require.NoError(t, err)
	require.Len(t, archiver.calls, 1)
	assert.Equal(t, "a.bin:8:application/octet-stream", archiver.calls[0])
}

func TestAssembler_ArchiverFailureDoesNotFailFinalize(t *testing.T) {
	registry, _ := testRegistry(t, 4)
	receiver := NewReceiver(registry, log.NewLogger())
	archiver := &recordingArchiver{fail: fmt.Errorf("bucket gone")}
	assembler := NewAssembler(registry, memfs.New(), "/output", archiver, log.NewLogger())

	content := []byte("01234567")
	init, total := uploadObject(t, registry, receiver, "a.bin", content, 4)

	_, err := assembler.Finalize(context.Background(), init.SessionID, total, "a.bin")
	assert.NoError(t, err, "archiving is best effort")
}
