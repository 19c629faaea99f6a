// Package engine runs a worker's conversation with the dispatcher: announce
// capacity, then compute every fragment it is handed until told to stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/fractal"
	"github.com/taskmgr818/fractal-at-home/internal/model"
	"github.com/taskmgr818/fractal-at-home/internal/protocol"
)

const (
	reconnectInterval = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
	maxBackoffShift   = 4
)

// State is the position of the engine in its conversation.
type State int32

const (
	StateConnecting State = iota
	StateAnnouncing
	StateAwaitingTask
	StateComputing
	StateSubmitting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAnnouncing:
		return "announcing"
	case StateAwaitingTask:
		return "awaiting_task"
	case StateComputing:
		return "computing"
	case StateSubmitting:
		return "submitting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Fragment describes one computed and submitted fragment.
type Fragment struct {
	Offset   uint32
	NX, NY   uint16
	Duration time.Duration
	At       time.Time
}

// Recorder observes the engine. The dashboard and the history database
// implement it.
type Recorder interface {
	ConnectionChanged(connected bool)
	FragmentSubmitted(f Fragment)
}

// Config tunes an Engine.
type Config struct {
	Name            string
	Capacity        uint32
	IOTimeout       time.Duration // bound on one frame read or write, 0 disables
	IdleTimeout     time.Duration // bound on waiting for the next task, 0 waits indefinitely
	MaxDialAttempts int           // -1 retries forever
	RetryInterval   time.Duration // first dial retry delay, doubled per attempt (default 5s)

	// Dial overrides how the connection is opened.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Engine is one worker connection.
type Engine struct {
	cfg       Config
	addr      string
	recorders []Recorder

	state       atomic.Int32
	mu          sync.Mutex
	closeReason string
}

// New creates an engine that will connect to addr.
func New(cfg Config, addr string, recorders ...Recorder) *Engine {
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	if cfg.MaxDialAttempts == 0 {
		cfg.MaxDialAttempts = 1
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = reconnectInterval
	}
	return &Engine{cfg: cfg, addr: addr, recorders: recorders}
}

// State returns the current state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// CloseReason returns the reason carried by the dispatcher's Close, if any.
func (e *Engine) CloseReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeReason
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run connects and serves tasks until the dispatcher closes the
// conversation (nil error), the connection fails, or ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.setState(StateClosed)

	e.setState(StateConnecting)
	nc, err := e.dial(ctx)
	if err != nil {
		return err
	}
	conn := protocol.NewConn(nc, e.cfg.IOTimeout)
	defer conn.Close()

	e.notifyConnection(true)
	defer e.notifyConnection(false)

	stop := context.AfterFunc(ctx, func() {
		if err := conn.Send(model.NewClose(model.CloseWorkerFinishing)); err != nil {
			e.logf("send close: %v", err)
		}
		conn.Close()
	})
	defer stop()

	err = e.serve(conn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *Engine) serve(conn *protocol.Conn) error {
	e.setState(StateAnnouncing)
	if err := conn.Send(model.NewFragmentRequest(e.cfg.Name, e.cfg.Capacity)); err != nil {
		return fmt.Errorf("announce capacity: %w", err)
	}
	e.logf("announced %q with capacity %d to %s", e.cfg.Name, e.cfg.Capacity, conn.RemoteAddr())

	for {
		e.setState(StateAwaitingTask)
		msg, err := conn.ReceiveWithin(e.cfg.IdleTimeout)
		if errors.Is(err, io.EOF) {
			e.logf("dispatcher closed the connection")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive task: %w", err)
		}

		switch msg.Type() {
		case model.MsgTypeClose:
			e.mu.Lock()
			e.closeReason = msg.Close.Reason
			e.mu.Unlock()
			e.logf("dispatcher closed the conversation: %s", msg.Close.Reason)
			return nil
		case model.MsgTypeFragmentTask:
			if err := e.handle(conn, *msg.FragmentTask); err != nil {
				return err
			}
		default:
			return &protocol.UnexpectedMessageError{Want: model.MsgTypeFragmentTask, Got: msg.Type()}
		}
	}
}

func (e *Engine) handle(conn *protocol.Conn, task model.FragmentTask) error {
	e.setState(StateComputing)
	start := time.Now()
	pixels, err := fractal.Render(task)
	if err != nil {
		return fmt.Errorf("render fragment at %d: %w", task.ID.Offset, err)
	}
	elapsed := time.Since(start)

	e.setState(StateSubmitting)
	result := model.FragmentResult{
		ID:         task.ID,
		Resolution: task.Resolution,
		Range:      task.Range,
		Pixels:     model.PixelSpan{Offset: 0, Count: uint32(len(pixels))},
	}
	if err := conn.Send(model.NewFragmentResult(result, pixels)); err != nil {
		return fmt.Errorf("submit fragment at %d: %w", task.ID.Offset, err)
	}
	e.logf("fragment %d (%dx%d) done in %s", task.ID.Offset, task.Resolution.NX, task.Resolution.NY, elapsed.Round(time.Microsecond))

	f := Fragment{
		Offset:   task.ID.Offset,
		NX:       task.Resolution.NX,
		NY:       task.Resolution.NY,
		Duration: elapsed,
		At:       time.Now(),
	}
	for _, r := range e.recorders {
		r.FragmentSubmitted(f)
	}
	return nil
}

// dial connects with exponential backoff.
func (e *Engine) dial(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; e.cfg.MaxDialAttempts < 0 || attempt <= e.cfg.MaxDialAttempts; attempt++ {
		conn, err := e.cfg.Dial(ctx, e.addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e.cfg.MaxDialAttempts > 0 && attempt == e.cfg.MaxDialAttempts {
			break
		}

		delay := backoff(e.cfg.RetryInterval, attempt)
		e.logf("dial %s failed: %v; retrying in %v (attempt %d)", e.addr, err, delay, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("dial %s: %w", e.addr, lastErr)
}

func backoff(base time.Duration, attempt int) time.Duration {
	delay := base * time.Duration(1<<uint(min(attempt-1, maxBackoffShift)))
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

func (e *Engine) notifyConnection(connected bool) {
	for _, r := range e.recorders {
		r.ConnectionChanged(connected)
	}
}

// logf logs a message with the [worker] prefix
func (e *Engine) logf(format string, args ...interface{}) {
	log.Printf("[worker] "+format, args...)
}
