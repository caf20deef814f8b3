// Package plan derives chunking parameters for an object transfer from the
// object's size. The policy trades per-request overhead against memory and
// connection pressure: small objects get many small parallel chunks, very
// large objects get few large sequential ones with a bigger retry budget.
package plan

const mb = 1 << 20

// Plan holds the derived transfer parameters for a single object.
// A Plan is immutable; deriving a variant returns a copy.
type Plan struct {
	ObjectSize  int64
	ChunkSize   int64
	Concurrency int
	MaxRetries  int
}

type sizeClass struct {
	maxObjectSize int64 // inclusive upper bound, 0 means unbounded
	chunkSize     int64
	concurrency   int
	maxRetries    int
}

var sizeClasses = []sizeClass{
	{maxObjectSize: 50 * mb, chunkSize: 5 * mb, concurrency: 6, maxRetries: 3},
	{maxObjectSize: 500 * mb, chunkSize: 10 * mb, concurrency: 4, maxRetries: 3},
	{maxObjectSize: 2048 * mb, chunkSize: 25 * mb, concurrency: 3, maxRetries: 4},
	{maxObjectSize: 10240 * mb, chunkSize: 50 * mb, concurrency: 2, maxRetries: 5},
	{maxObjectSize: 0, chunkSize: 100 * mb, concurrency: 1, maxRetries: 5},
}

// For returns the transfer plan for an object of the given size.
// It is a total function: every size, including zero, yields a valid plan.
func For(objectSize int64) Plan {
	for _, class := range sizeClasses {
		if class.maxObjectSize == 0 || objectSize <= class.maxObjectSize {
			return Plan{
				ObjectSize:  objectSize,
				ChunkSize:   class.chunkSize,
				Concurrency: class.concurrency,
				MaxRetries:  class.maxRetries,
			}
		}
	}
	// Unreachable: the last class is unbounded.
	return Plan{}
}

// WithChunkSize returns a copy of the plan with the chunk size replaced.
// The server's recommended chunk size is authoritative at session init;
// concurrency and retries stay client-derived. Non-positive sizes are ignored.
func (p Plan) WithChunkSize(chunkSize int64) Plan {
	if chunkSize <= 0 {
		return p
	}
	p.ChunkSize = chunkSize
	return p
}

// TotalChunks returns the number of chunks the object splits into.
func (p Plan) TotalChunks() int {
	if p.ObjectSize == 0 {
		return 0
	}
	return int((p.ObjectSize + p.ChunkSize - 1) / p.ChunkSize)
}

// ChunkLength returns the byte length of the chunk at the given index.
// The final chunk carries the remainder.
func (p Plan) ChunkLength(index int) int64 {
	total := p.TotalChunks()
	if index < 0 || index >= total {
		return 0
	}
	if index == total-1 {
		if rem := p.ObjectSize - int64(index)*p.ChunkSize; rem > 0 {
			return rem
		}
	}
	return p.ChunkSize
}
