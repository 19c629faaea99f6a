package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmgr818/fractal-at-home/server/internal/cache"
	"github.com/taskmgr818/fractal-at-home/server/internal/dispatcher"
	"github.com/taskmgr818/fractal-at-home/server/internal/metrics"
	"github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
	"github.com/taskmgr818/fractal-at-home/server/internal/sink"
)

// Service errors
var (
	ErrJobFailed = errors.New("render job failed")
)

// RenderCache is the subset of cache.RenderCache the service uses.
type RenderCache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, error)
	Put(ctx context.Context, fingerprint string, pixels []byte) error
}

// History records the job in durable storage. store.Store implements it.
type History interface {
	LogJobStarted(jobID, fingerprint string, width, height int, maxIteration uint32, fragments int, cached bool)
	LogFragmentCompleted(ev model.Event)
	LogJobFinished(jobID, artifactKey string, jobErr error)
}

// Deps are the collaborators of a RenderService. Cache, History, Monitor
// and Metrics are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Sink      sink.Sink
	Cache     RenderCache
	History   History
	Monitor   dispatcher.Publisher
	Metrics   *metrics.Metrics
}

// RenderService orchestrates the lifecycle of one render job:
//
//	cache check → distribute → wait → deliver → record
//
// It is also the dispatcher's event Publisher, fanning events out to the
// monitor and the job history.
type RenderService struct {
	deps  Deps
	job   scheduler.JobSpec
	jobID string

	mu          sync.RWMutex
	status      model.JobStatus
	cached      bool
	artifactKey string
}

// NewRenderService creates the service for the job held by deps.Scheduler.
func NewRenderService(deps Deps) *RenderService {
	return &RenderService{
		deps:   deps,
		job:    deps.Scheduler.Job(),
		jobID:  uuid.NewString(),
		status: model.JobStatusRunning,
	}
}

// JobID identifies the job.
func (s *RenderService) JobID() string {
	return s.jobID
}

// Publish implements dispatcher.Publisher.
func (s *RenderService) Publish(ev model.Event) {
	if s.deps.Monitor != nil {
		s.deps.Monitor.Publish(ev)
	}
	if s.deps.History != nil && ev.Type == model.EventFragmentCompleted {
		s.deps.History.LogFragmentCompleted(ev)
	}
}

// Run serves the job from the cache or waits for the scheduler to
// assemble it, then delivers the image. It returns when the image is
// delivered or ctx is cancelled.
func (s *RenderService) Run(ctx context.Context) error {
	fingerprint, err := cache.Fingerprint(s.job)
	if err != nil {
		return s.fail(err)
	}
	progress := s.deps.Scheduler.Progress()
	s.Publish(model.Event{Type: model.EventJobStarted, JobID: s.jobID, At: time.Now()})

	if pixels := s.lookup(ctx, fingerprint); pixels != nil {
		log.Printf("[service] cache HIT job=%s fingerprint=%s", s.jobID, fingerprint[:12])
		s.logStarted(fingerprint, progress.Fragments, true)
		if err := s.deps.Scheduler.Fill(pixels); err != nil {
			log.Printf("[service] fill scheduler from cache: %v", err)
		}
		return s.finish(ctx, fingerprint, pixels, true)
	}

	log.Printf("[service] job=%s %dx%d split into %d fragments, waiting for workers",
		s.jobID, s.job.Width, s.job.Height, progress.Fragments)
	s.logStarted(fingerprint, progress.Fragments, false)

	select {
	case <-s.deps.Scheduler.Done():
	case <-ctx.Done():
		return s.fail(ctx.Err())
	}
	return s.finish(ctx, fingerprint, s.deps.Scheduler.Buffer(), false)
}

func (s *RenderService) lookup(ctx context.Context, fingerprint string) []byte {
	if s.deps.Cache == nil {
		return nil
	}
	pixels, err := s.deps.Cache.Get(ctx, fingerprint)
	if err != nil {
		log.Printf("[service] cache check error: %v", err)
		// continue – treat as miss
		pixels = nil
	}
	if pixels != nil && len(pixels) != s.job.BufferSize() {
		log.Printf("[service] cache entry has %d bytes, want %d; ignoring", len(pixels), s.job.BufferSize())
		pixels = nil
	}
	s.deps.Metrics.IncCacheLookups(pixels != nil)
	return pixels
}

func (s *RenderService) logStarted(fingerprint string, fragments int, cached bool) {
	if s.deps.History == nil {
		return
	}
	s.deps.History.LogJobStarted(s.jobID, fingerprint, int(s.job.Width), int(s.job.Height),
		s.job.MaxIteration, fragments, cached)
}

func (s *RenderService) finish(ctx context.Context, fingerprint string, pixels []byte, cached bool) error {
	img := sink.Image{
		JobID:        s.jobID,
		Width:        s.job.Width,
		Height:       s.job.Height,
		Pixels:       pixels,
		Range:        s.job.Range,
		Fractal:      s.job.Fractal,
		MaxIteration: s.job.MaxIteration,
	}
	start := time.Now()
	if err := s.deps.Sink.Deliver(ctx, img); err != nil {
		return s.fail(fmt.Errorf("deliver image: %w", err))
	}
	s.deps.Metrics.ObserveSinkDuration(time.Since(start).Seconds())
	uri := s.deps.Sink.URI(s.jobID)
	log.Printf("[sink] job=%s delivered to %s in %s", s.jobID, uri, time.Since(start).Round(time.Millisecond))

	if !cached && s.deps.Cache != nil {
		if err := s.deps.Cache.Put(ctx, fingerprint, pixels); err != nil {
			log.Printf("[service] cache store error: %v", err)
		}
	}

	s.mu.Lock()
	s.status = model.JobStatusCompleted
	s.cached = cached
	s.artifactKey = uri
	s.mu.Unlock()

	if s.deps.History != nil {
		s.deps.History.LogJobFinished(s.jobID, uri, nil)
	}
	s.deps.Metrics.SetJobProgress(1)
	s.Publish(model.Event{Type: model.EventJobCompleted, JobID: s.jobID, At: time.Now()})
	return nil
}

func (s *RenderService) fail(err error) error {
	s.mu.Lock()
	s.status = model.JobStatusFailed
	s.mu.Unlock()
	if s.deps.History != nil {
		s.deps.History.LogJobFinished(s.jobID, "", err)
	}
	log.Printf("[service] job=%s failed: %v", s.jobID, err)
	return fmt.Errorf("%w: %w", ErrJobFailed, err)
}

// Status reports the job for the monitor API. workers is the number of
// connected sessions.
func (s *RenderService) Status(workers int) *model.JobResponse {
	p := s.deps.Scheduler.Progress()

	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &model.JobResponse{
		JobID:       s.jobID,
		Status:      string(s.status),
		Width:       s.job.Width,
		Height:      s.job.Height,
		Fragments:   p.Fragments,
		Pending:     p.Pending,
		Assigned:    p.Assigned,
		Done:        p.Done,
		Workers:     workers,
		Cached:      s.cached,
		ArtifactKey: s.artifactKey,
	}
	if p.PixelsTotal > 0 {
		resp.Progress = float64(p.PixelsDone) / float64(p.PixelsTotal)
	}
	if s.cached {
		resp.Progress = 1
	}
	return resp
}
