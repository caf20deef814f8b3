package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// fakeTarget is an in-memory upload target with scriptable failures.
type fakeTarget struct {
	mu          sync.Mutex
	chunks      map[uint32][]byte
	attempts    map[uint32]int
	putDelay    time.Duration
	failPut     func(index uint32, attempt int) error
	failFinal   error
	finalCalls  int
	finalResult FinalizeResult
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		chunks:      map[uint32][]byte{},
		attempts:    map[uint32]int{},
		finalResult: FinalizeResult{FinalPath: "/out/object", OriginalName: "object", SanitizedName: "object"},
	}
}

func (t *fakeTarget) PutChunk(ctx context.Context, index uint32, chunk io.Reader, length int64) error {
	if t.putDelay > 0 {
		select {
		case <-time.After(t.putDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	t.attempts[index]++
	attempt := t.attempts[index]
	failPut := t.failPut
	t.mu.Unlock()

	if failPut != nil {
		if err := failPut(index, attempt); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(chunk)
	if err != nil {
		return err
	}
	if int64(len(data)) != length {
		return fmt.Errorf("length mismatch: declared %d, read %d", length, len(data))
	}

	t.mu.Lock()
	t.chunks[index] = data
	t.mu.Unlock()
	return nil
}

func (t *fakeTarget) Finalize(ctx context.Context, totalChunks uint32) (FinalizeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finalCalls++
	if t.failFinal != nil {
		return FinalizeResult{}, t.failFinal
	}
	for i := uint32(0); i < totalChunks; i++ {
		if _, ok := t.chunks[i]; !ok {
			return FinalizeResult{}, fmt.Errorf("missing chunk %d", i)
		}
	}
	return t.finalResult, nil
}

func (t *fakeTarget) assembled(totalChunks int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []byte
	for i := 0; i < totalChunks; i++ {
		out = append(out, t.chunks[uint32(i)]...)
	}
	return out
}

func (t *fakeTarget) storedChunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}

func (t *fakeTarget) finalizeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalCalls
}
