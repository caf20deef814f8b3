package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// Scheduler moves one object's chunks to a Target under bounded concurrency.
// It exclusively owns the transfer's State and pending-index set; observers
// read progress through Snapshot or the OnProgress callback. Schedulers for
// different objects share nothing, so pausing or failing one never affects
// another.
type Scheduler struct {
	target   Target
	provider ChunkProvider
	cfg      Config
	logger   log.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	state  State
	run    *run
}

// run is the bookkeeping for a single Start. Cancel abandons the current run
// wholesale; results from its in-flight sends are then discarded.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	pending   []uint32
	remaining int
	acked     int
	inflight  int
	total     int
	startedAt time.Time
	sentInRun int64
	failed    bool
}

// NewScheduler creates a scheduler for one object transfer.
func NewScheduler(target Target, provider ChunkProvider, cfg Config, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.NewLogger()
	}
	s := &Scheduler{
		target:   target,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start begins transmitting. Chunks the server already holds (per
// Config.AlreadyReceived) are skipped; if nothing is pending the transfer
// goes straight to assembly. Start returns immediately, the transfer runs
// on background workers. Cancelling ctx aborts the run and settles the
// transfer in Error; a pause set before Start holds until Resume.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil || s.state.Status != StatusPending {
		return fmt.Errorf("transfer already started (status %s)", s.state.Status)
	}

	total := s.provider.NumChunks()
	received := make(map[uint32]struct{}, len(s.cfg.AlreadyReceived))
	for _, idx := range s.cfg.AlreadyReceived {
		received[idx] = struct{}{}
	}

	var sent int64
	pending := make([]uint32, 0, total)
	for i := 0; i < total; i++ {
		if _, ok := received[uint32(i)]; ok {
			sent += s.provider.ChunkSize(i)
			continue
		}
		pending = append(pending, uint32(i))
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		ctx:       runCtx,
		cancel:    cancel,
		pending:   pending,
		remaining: len(pending),
		total:     total,
		startedAt: time.Now(),
	}
	s.run = r
	s.state = State{
		TotalBytes: s.provider.TotalSize(),
		SentBytes:  sent,
	}

	go s.watchContext(r)

	if len(pending) == 0 {
		s.logger.Debugf("No pending chunks, skipping straight to assembly")
		s.state.Status = StatusAssembling
		go s.finalize(r)
		return nil
	}

	s.state.Status = StatusUploading
	if s.paused {
		s.state.Status = StatusPaused
	}
	workers := s.cfg.Concurrency
	if workers > len(pending) {
		workers = len(pending)
	}
	s.logger.Debugf("Starting transfer: %d chunks pending, %d workers", len(pending), workers)
	for i := 0; i < workers; i++ {
		go s.worker(r)
	}
	return nil
}

// Pause stops new chunk sends. In-flight sends finish; the transfer shows
// Paused once none is actively transmitting. Queued retry delays do not fire
// while paused.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	if s.run != nil && s.run.inflight == 0 && s.state.Status == StatusUploading {
		s.state.Status = StatusPaused
	}
}

// Resume lets idle workers claim pending chunks again.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	if s.run != nil && s.state.Status == StatusPaused {
		s.state.Status = StatusUploading
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Cancel abandons the transfer and resets progress to zero. In-flight sends
// may still complete on the wire, but their results are discarded. The
// server is not notified; its temp chunks are left to external cleanup.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.paused = false
	s.state = State{Status: StatusPending}
	s.cond.Broadcast()
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		s.logger.Debugf("Transfer cancelled")
	}
}

// Snapshot returns a copy of the current transfer state.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) worker(r *run) {
	for {
		index, ok := s.claim(r)
		if !ok {
			return
		}

		length, err := s.sendWithRetry(r, index)
		if err != nil {
			s.abort(r, err)
			return
		}

		if done := s.complete(r, index, length); done {
			s.finalize(r)
			return
		}
	}
}

// claim pops the next pending index. It blocks while paused and returns
// false when the run is over (cancelled, failed, or drained).
func (s *Scheduler) claim(r *run) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.run != r || r.failed || r.ctx.Err() != nil {
			return 0, false
		}
		if s.paused {
			s.cond.Wait()
			continue
		}
		if len(r.pending) == 0 {
			return 0, false
		}
		index := r.pending[0]
		r.pending = r.pending[1:]
		r.inflight++
		return index, true
	}
}

func (s *Scheduler) sendWithRetry(r *run, index uint32) (int64, error) {
	maxRetries := s.cfg.MaxRetries
	for attemptsLeft := maxRetries; ; attemptsLeft-- {
		length, err := s.sendChunk(r, index)
		if err == nil {
			return length, nil
		}
		if r.ctx.Err() != nil {
			return 0, r.ctx.Err()
		}
		if attemptsLeft == 0 {
			return 0, &ChunkExhaustedError{Index: index, Attempts: maxRetries + 1, Err: err}
		}

		delay := time.Duration(maxRetries-attemptsLeft+1) * s.cfg.BaseRetryDelay
		if r.total > s.cfg.LargeObjectThreshold {
			delay += s.cfg.LargeObjectExtraDelay
		}
		s.logger.Warnf("Chunk %d failed (%d retries left), retrying in %v: %v", index, attemptsLeft, delay, err)

		if err := s.waitRetry(r, delay); err != nil {
			return 0, err
		}
	}
}

// waitRetry waits out a backoff delay, then gates on the pause flag so a
// queued retry never fires into a paused transfer. The wait is cancellable;
// it is not a fixed sleep.
func (s *Scheduler) waitRetry(r *run, delay time.Duration) error {
	s.mu.Lock()
	// Waiting out a backoff is not active transmission, so a pause during the
	// delay shows Paused without waiting for the timer.
	r.inflight--
	if s.paused && r.inflight == 0 && s.state.Status == StatusUploading {
		s.state.Status = StatusPaused
	}
	s.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-r.ctx.Done():
		s.mu.Lock()
		r.inflight++
		s.mu.Unlock()
		return r.ctx.Err()
	}

	s.mu.Lock()
	for s.paused && s.run == r && !r.failed && r.ctx.Err() == nil {
		s.cond.Wait()
	}
	ok := s.run == r && !r.failed && r.ctx.Err() == nil
	// Re-enter transmission either way; a failing worker settles the count
	// through abort.
	r.inflight++
	s.mu.Unlock()

	if !ok {
		return context.Canceled
	}
	return nil
}

func (s *Scheduler) sendChunk(r *run, index uint32) (int64, error) {
	reader, err := s.provider.GetChunk(int(index))
	if err != nil {
		return 0, fmt.Errorf("get chunk %d: %w", index, err)
	}
	length := s.provider.ChunkSize(int(index))
	if err := s.target.PutChunk(r.ctx, index, reader, length); err != nil {
		return 0, err
	}
	return length, nil
}

// complete records one acknowledged chunk and reports whether the run has
// drained. Results from a cancelled run are discarded.
func (s *Scheduler) complete(r *run, index uint32, length int64) bool {
	s.mu.Lock()
	r.inflight--
	if s.run != r {
		s.mu.Unlock()
		return false
	}

	r.acked++
	r.sentInRun += length
	s.state.SentBytes += length
	if elapsed := time.Since(r.startedAt).Seconds(); elapsed > 0 {
		s.state.SpeedBps = float64(r.sentInRun) / elapsed
	}
	if s.state.SpeedBps > 0 {
		s.state.ETASeconds = float64(s.state.TotalBytes-s.state.SentBytes) / s.state.SpeedBps
	}
	if s.paused && r.inflight == 0 && s.state.Status == StatusUploading {
		s.state.Status = StatusPaused
	}
	done := r.acked == r.remaining
	snapshot := s.state
	s.mu.Unlock()

	s.logger.Debugf("Chunk %d acknowledged (%d/%d)", index, r.acked, r.remaining)
	s.notify(snapshot)
	return done
}

// watchContext settles the transfer in Error when the context passed to
// Start is cancelled externally, and wakes paused workers so they drain.
// Cancel, abort, and finalize each cancel the run context themselves; for
// those the run is already settled and there is nothing left to do here.
func (s *Scheduler) watchContext(r *run) {
	<-r.ctx.Done()

	s.mu.Lock()
	if s.run != r || r.failed {
		s.cond.Broadcast()
		s.mu.Unlock()
		return
	}
	r.failed = true
	s.run = nil
	s.state.Status = StatusError
	s.state.LastError = fmt.Errorf("transfer aborted: %w", r.ctx.Err())
	snapshot := s.state
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Errorf("Transfer aborted: %v", r.ctx.Err())
	s.notify(snapshot)
}

// abort marks the run failed. Other workers drain out through claim.
func (s *Scheduler) abort(r *run, err error) {
	s.mu.Lock()
	r.inflight--
	if s.run != r || r.failed || r.ctx.Err() != nil {
		// Cancelled runs and secondary failures are not surfaced.
		s.mu.Unlock()
		return
	}
	r.failed = true
	s.run = nil
	s.state.Status = StatusError
	s.state.LastError = err
	snapshot := s.state
	s.cond.Broadcast()
	s.mu.Unlock()

	r.cancel()
	s.logger.Errorf("Transfer failed: %v", err)
	s.notify(snapshot)
}

// finalize asks the target to assemble the object once every chunk is
// acknowledged.
func (s *Scheduler) finalize(r *run) {
	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.state.Status = StatusAssembling
	snapshot := s.state
	s.mu.Unlock()
	s.notify(snapshot)

	s.logger.Debugf("All chunks acknowledged, finalizing")
	result, err := s.target.Finalize(r.ctx, uint32(r.total))

	s.mu.Lock()
	if s.run != r {
		s.mu.Unlock()
		return
	}
	s.run = nil
	if err != nil {
		s.state.Status = StatusError
		s.state.LastError = fmt.Errorf("finalize: %w", err)
	} else {
		s.state.Status = StatusDone
		s.state.SentBytes = s.state.TotalBytes
		s.state.ETASeconds = 0
	}
	snapshot = s.state
	s.mu.Unlock()

	r.cancel()
	if err != nil {
		s.logger.Errorf("Finalize failed: %v", err)
	} else {
		s.logger.Infof("Transfer complete: %s", result.FinalPath)
	}
	s.notify(snapshot)
}

func (s *Scheduler) notify(state State) {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(state)
	}
}
