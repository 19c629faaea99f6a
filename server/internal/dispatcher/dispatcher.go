package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/fractal-at-home/server/internal/metrics"
	"github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
)

const (
	// Initial wait when every remaining fragment is held by another worker.
	pollInterval = 50 * time.Millisecond

	// Upper bound for the poll backoff.
	maxPollInterval = 2 * time.Second
)

// Publisher receives dispatcher events. ws.Hub implements it.
type Publisher interface {
	Publish(ev model.Event)
}

// Config tunes the dispatcher.
type Config struct {
	JobID     string
	IOTimeout time.Duration // bound on one frame read or write, 0 disables
	Metrics   *metrics.Metrics
	Publisher Publisher
}

// SessionInfo is a snapshot of one connected worker.
type SessionInfo struct {
	ID          string    `json:"id"`
	Worker      string    `json:"worker"`
	Capacity    uint32    `json:"capacity"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Completed   int       `json:"completed"`
}

// Dispatcher accepts worker connections and runs one Session per
// connection against a shared Scheduler.
type Dispatcher struct {
	sched *scheduler.Scheduler
	cfg   Config

	mu       sync.RWMutex
	sessions map[string]*Session // session ID → Session
	wg       sync.WaitGroup
}

// New creates a Dispatcher for sched.
func New(sched *scheduler.Scheduler, cfg Config) *Dispatcher {
	if cfg.JobID == "" {
		cfg.JobID = uuid.NewString()
	}
	return &Dispatcher{
		sched:    sched,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Serve accepts connections on ln until ctx is cancelled. Sessions that are
// still running when Serve returns are ended by Shutdown.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Printf("[dispatcher] listening on %s (job %s)", ln.Addr(), d.cfg.JobID)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s := newSession(d, conn)
		d.register(s)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.unregister(s)
			s.Run(ctx)
		}()
	}
}

// Shutdown closes every live connection and waits for the sessions to
// return, or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	for _, s := range d.sessions {
		s.conn.Close()
	}
	d.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) register(s *Session) {
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
	d.cfg.Metrics.SessionOpened()
	log.Printf("[dispatcher] %s connected as session %s (total: %d)", s.remote, s.id, d.SessionCount())
}

func (d *Dispatcher) unregister(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s.id)
	d.mu.Unlock()
	log.Printf("[dispatcher] session %s ended (total: %d)", s.id, d.SessionCount())
}

// SessionCount returns the number of live connections.
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

// Sessions returns a snapshot of every live connection, oldest first.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.RLock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.Info())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (d *Dispatcher) publish(ev model.Event) {
	if d.cfg.Publisher == nil {
		return
	}
	ev.JobID = d.cfg.JobID
	ev.At = time.Now()
	d.cfg.Publisher.Publish(ev)
}
