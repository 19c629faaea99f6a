package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/model"
)

var (
	// ErrNoSuitableWork means the worker's capacity cannot hold even a
	// single pixel.
	ErrNoSuitableWork = errors.New("no suitable work")
	// ErrNoPendingWork means every remaining fragment is assigned to
	// another worker. Callers should wait and retry.
	ErrNoPendingWork = errors.New("no pending work")
	// ErrJobComplete means every pixel has been delivered.
	ErrJobComplete = errors.New("job complete")
	// ErrResultMismatch means a result does not answer the fragment its
	// worker holds.
	ErrResultMismatch = errors.New("result does not match assigned fragment")
)

type fragmentState int

const (
	statePending fragmentState = iota
	stateAssigned
	stateDone
)

type fragment struct {
	rect
	state      fragmentState
	worker     string
	assignedAt time.Time
}

// Progress is a point-in-time view of a job.
type Progress struct {
	Fragments   int    `json:"fragments"`
	Pending     int    `json:"pending"`
	Assigned    int    `json:"assigned"`
	Done        int    `json:"done"`
	PixelsDone  uint64 `json:"pixels_done"`
	PixelsTotal uint64 `json:"pixels_total"`
	Complete    bool   `json:"complete"`
}

// Scheduler owns the fragments of one job and the buffer they are
// reassembled into. All state is guarded by mu.
type Scheduler struct {
	job JobSpec

	mu         sync.Mutex
	buffer     []byte
	arena      map[uint32]*fragment // keyed by byte offset in buffer
	queue      []uint32             // pending offsets, FIFO
	pixelsDone uint64

	done     chan struct{}
	doneOnce sync.Once

	now func() time.Time
}

// NewScheduler partitions job into tiles and queues them all.
func NewScheduler(job JobSpec) (*Scheduler, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	s := &Scheduler{
		job:    job,
		buffer: make([]byte, job.BufferSize()),
		arena:  make(map[uint32]*fragment),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	for _, r := range partition(job) {
		off := r.offset(job.Width)
		s.arena[off] = &fragment{rect: r}
		s.queue = append(s.queue, off)
	}
	log.Printf("[scheduler] job %dx%d split into %d fragments", job.Width, job.Height, len(s.queue))
	return s, nil
}

// Job returns the job being scheduled.
func (s *Scheduler) Job() JobSpec {
	return s.job
}

// FetchTask assigns the first pending fragment of at most capacity pixels
// to worker. When none fits, the head of the queue is split so that one
// piece does. worker identifies the assignee for CompleteTask.
func (s *Scheduler) FetchTask(worker string, capacity uint32) (model.FragmentTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completeLocked() {
		return model.FragmentTask{}, ErrJobComplete
	}
	if capacity == 0 {
		return model.FragmentTask{}, ErrNoSuitableWork
	}
	if len(s.queue) == 0 {
		return model.FragmentTask{}, ErrNoPendingWork
	}

	idx := -1
	for i, off := range s.queue {
		if s.arena[off].pixels() <= capacity {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		s.splitHeadLocked(capacity)
	}

	off := s.queue[idx]
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
	f := s.arena[off]
	f.state = stateAssigned
	f.worker = worker
	f.assignedAt = s.now()

	return s.taskLocked(off, f), nil
}

// splitHeadLocked replaces the head of the queue by its pieces.
func (s *Scheduler) splitHeadLocked(capacity uint32) {
	head := s.arena[s.queue[0]]
	pieces := split(head.rect, capacity)

	offs := make([]uint32, 0, len(pieces))
	for _, p := range pieces {
		off := p.offset(s.job.Width)
		s.arena[off] = &fragment{rect: p}
		offs = append(offs, off)
	}
	s.queue = append(offs, s.queue[1:]...)
}

func (s *Scheduler) taskLocked(off uint32, f *fragment) model.FragmentTask {
	res := model.Resolution{NX: f.nx, NY: f.ny}
	return model.FragmentTask{
		ID:           model.PixelSpan{Offset: off, Count: res.ByteCount()},
		Fractal:      s.job.Fractal,
		MaxIteration: s.job.MaxIteration,
		Resolution:   res,
		Range:        rangeOf(s.job, f.rect),
	}
}

// CompleteTask validates result against the fragment worker holds and
// copies its pixels, read from data, into the image buffer. Once the job
// is complete every further result gets ErrJobComplete.
func (s *Scheduler) CompleteTask(worker string, result model.FragmentResult, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completeLocked() {
		return ErrJobComplete
	}
	f, ok := s.arena[result.ID.Offset]
	if !ok || f.state != stateAssigned || f.worker != worker {
		return fmt.Errorf("%w: no fragment at offset %d assigned to %s", ErrResultMismatch, result.ID.Offset, worker)
	}
	res := model.Resolution{NX: f.nx, NY: f.ny}
	if result.Resolution != res {
		return fmt.Errorf("%w: resolution %dx%d, assigned %dx%d", ErrResultMismatch,
			result.Resolution.NX, result.Resolution.NY, res.NX, res.NY)
	}
	if result.ID.Count != res.ByteCount() || result.Pixels.Count != res.ByteCount() {
		return fmt.Errorf("%w: id count %d, pixel count %d, want %d", ErrResultMismatch,
			result.ID.Count, result.Pixels.Count, res.ByteCount())
	}
	if err := result.Pixels.CheckWithin(len(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrResultMismatch, err)
	}

	rowBytes := int(f.nx) * model.BytesPerPixel
	stride := int(s.job.Width) * model.BytesPerPixel
	src := data[result.Pixels.Offset:result.Pixels.End()]
	dst := int(result.ID.Offset)
	for row := 0; row < int(f.ny); row++ {
		copy(s.buffer[dst+row*stride:dst+row*stride+rowBytes], src[row*rowBytes:(row+1)*rowBytes])
	}

	f.state = stateDone
	f.worker = ""
	s.pixelsDone += uint64(f.pixels())
	if s.completeLocked() {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return nil
}

// Fill completes the job from an already assembled image, such as a cache
// entry. Fragments still pending or assigned are marked done, so waiting
// workers are told the job is complete.
func (s *Scheduler) Fill(pixels []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pixels) != len(s.buffer) {
		return fmt.Errorf("fill: image has %d bytes, want %d", len(pixels), len(s.buffer))
	}
	if s.completeLocked() {
		return ErrJobComplete
	}
	copy(s.buffer, pixels)
	for _, f := range s.arena {
		f.state = stateDone
		f.worker = ""
	}
	s.queue = nil
	s.pixelsDone = uint64(s.job.Resolution().Pixels())
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

// ReleaseTask returns the fragment at offset to the front of the queue if
// worker still holds it. It reports whether anything was released.
func (s *Scheduler) ReleaseTask(worker string, offset uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.arena[offset]; !ok || f.worker != worker {
		return false
	}
	return s.releaseLocked(offset)
}

func (s *Scheduler) releaseLocked(offset uint32) bool {
	f, ok := s.arena[offset]
	if !ok || f.state != stateAssigned {
		return false
	}
	f.state = statePending
	f.worker = ""
	s.queue = append([]uint32{offset}, s.queue...)
	return true
}

func (s *Scheduler) completeLocked() bool {
	return s.pixelsDone == uint64(s.job.Resolution().Pixels())
}

// Done is closed once every pixel has been delivered.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Progress returns a snapshot of fragment states.
func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		Fragments:   len(s.arena),
		PixelsDone:  s.pixelsDone,
		PixelsTotal: uint64(s.job.Resolution().Pixels()),
		Complete:    s.completeLocked(),
	}
	for _, f := range s.arena {
		switch f.state {
		case statePending:
			p.Pending++
		case stateAssigned:
			p.Assigned++
		case stateDone:
			p.Done++
		}
	}
	return p
}

// Buffer returns a copy of the image buffer.
func (s *Scheduler) Buffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// ─────────────────────────────────────────────
// Lease Watchdog (background goroutine)
// ─────────────────────────────────────────────

// StartLeaseWatchdog requeues fragments held longer than leaseTTL, so a
// worker that stalls without dropping its connection cannot pin a
// fragment forever. It runs until ctx is cancelled or the job completes.
// A non-positive leaseTTL or interval disables it.
func (s *Scheduler) StartLeaseWatchdog(ctx context.Context, leaseTTL, interval time.Duration) {
	if leaseTTL <= 0 || interval <= 0 {
		log.Printf("[scheduler] lease watchdog disabled (ttl %s, interval %s)", leaseTTL, interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Println("[scheduler] lease watchdog started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[scheduler] lease watchdog stopped")
			return
		case <-s.done:
			log.Println("[scheduler] lease watchdog stopped: job complete")
			return
		case <-ticker.C:
			if n := s.ReclaimExpired(leaseTTL); n > 0 {
				log.Printf("[scheduler] reclaimed %d expired fragments", n)
			}
		}
	}
}

// ReclaimExpired requeues every assignment older than leaseTTL and returns
// how many were requeued.
func (s *Scheduler) ReclaimExpired(leaseTTL time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-leaseTTL)
	n := 0
	for off, f := range s.arena {
		if f.state == stateAssigned && f.assignedAt.Before(cutoff) {
			s.releaseLocked(off)
			n++
		}
	}
	return n
}
