package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/fractal-at-home/internal/model"
	"github.com/taskmgr818/fractal-at-home/internal/protocol"
	srvmodel "github.com/taskmgr818/fractal-at-home/server/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
)

// Session serves one worker connection: a FragmentRequest, then task and
// result pairs until the job ends or the worker goes away. At most one
// fragment is in flight per session.
type Session struct {
	d           *Dispatcher
	conn        *protocol.Conn
	id          string
	remote      string
	connectedAt time.Time

	mu        sync.Mutex
	worker    string
	capacity  uint32
	completed int
}

func newSession(d *Dispatcher, c net.Conn) *Session {
	return &Session{
		d:           d,
		conn:        protocol.NewConn(c, d.cfg.IOTimeout),
		id:          uuid.NewString(),
		remote:      c.RemoteAddr().String(),
		connectedAt: time.Now(),
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		Worker:      s.worker,
		Capacity:    s.capacity,
		Remote:      s.remote,
		ConnectedAt: s.connectedAt,
		Completed:   s.completed,
	}
}

// Run drives the session until it ends. Errors end only this session.
func (s *Session) Run(ctx context.Context) {
	defer s.conn.Close()

	reason, err := s.serve(ctx)
	if err != nil {
		kind := errorKind(err)
		s.d.cfg.Metrics.IncProtocolErrors(kind)
		s.logf("closed with %s error: %v", kind, err)
		reason = kind
	} else {
		s.logf("closed: %s", reason)
	}
	s.d.cfg.Metrics.SessionClosed(reason)

	s.mu.Lock()
	worker := s.worker
	s.mu.Unlock()
	s.d.publish(srvmodel.Event{
		Type:      srvmodel.EventWorkerDisconnected,
		SessionID: s.id,
		Worker:    worker,
		Reason:    reason,
	})
}

// serve returns the close reason on a clean end.
func (s *Session) serve(ctx context.Context) (string, error) {
	msg, err := s.conn.Expect(model.MsgTypeFragmentRequest)
	if err != nil {
		if msg.Close != nil {
			return "worker closed before announcing", nil
		}
		if errors.Is(err, io.EOF) {
			return "worker disconnected before announcing", nil
		}
		return "", fmt.Errorf("awaiting fragment request: %w", err)
	}
	req := msg.FragmentRequest

	s.mu.Lock()
	s.worker = req.WorkerName
	s.capacity = req.MaximalWorkLoad
	s.mu.Unlock()
	s.logf("worker %q announced capacity %d", req.WorkerName, req.MaximalWorkLoad)
	s.d.publish(srvmodel.Event{
		Type:      srvmodel.EventWorkerConnected,
		SessionID: s.id,
		Worker:    req.WorkerName,
	})

	wait := pollInterval
	for {
		task, err := s.d.sched.FetchTask(s.id, req.MaximalWorkLoad)
		switch {
		case errors.Is(err, scheduler.ErrJobComplete):
			return model.CloseJobComplete, s.sendClose(model.CloseJobComplete)

		case errors.Is(err, scheduler.ErrNoSuitableWork):
			return model.CloseNoSuitableWork, s.sendClose(model.CloseNoSuitableWork)

		case errors.Is(err, scheduler.ErrNoPendingWork):
			select {
			case <-ctx.Done():
				return model.CloseShuttingDown, s.sendClose(model.CloseShuttingDown)
			case <-s.d.sched.Done():
			case <-time.After(wait):
				wait = min(wait*2, maxPollInterval)
			}
			continue

		case err != nil:
			return "", err
		}

		wait = pollInterval
		if err := s.roundTrip(task, req.WorkerName); err != nil {
			var closed *workerClosedError
			if errors.As(err, &closed) {
				return closed.reason, nil
			}
			if errors.Is(err, scheduler.ErrJobComplete) {
				return model.CloseJobComplete, s.sendClose(model.CloseJobComplete)
			}
			return "", err
		}

		if ctx.Err() != nil {
			return model.CloseShuttingDown, s.sendClose(model.CloseShuttingDown)
		}
	}
}

// workerClosedError reports a Close received while a fragment was in
// flight. It ends the session without being counted as a failure.
type workerClosedError struct {
	reason string
}

func (e *workerClosedError) Error() string {
	return "worker closed: " + e.reason
}

// roundTrip sends task and waits for its result. On any failure the
// fragment goes back to the queue.
func (s *Session) roundTrip(task model.FragmentTask, worker string) (err error) {
	released := "disconnect"
	defer func() {
		if err != nil && s.d.sched.ReleaseTask(s.id, task.ID.Offset) {
			s.d.cfg.Metrics.IncFragmentsReleased(released)
			s.d.publish(srvmodel.Event{
				Type:      srvmodel.EventFragmentReleased,
				SessionID: s.id,
				Worker:    worker,
				Offset:    task.ID.Offset,
				NX:        task.Resolution.NX,
				NY:        task.Resolution.NY,
				Reason:    released,
			})
		}
	}()

	start := time.Now()
	if err := s.conn.Send(model.NewFragmentTask(task)); err != nil {
		return fmt.Errorf("send task %d: %w", task.ID.Offset, err)
	}
	s.d.cfg.Metrics.IncFragmentsAssigned()
	s.d.publish(srvmodel.Event{
		Type:      srvmodel.EventFragmentAssigned,
		SessionID: s.id,
		Worker:    worker,
		Offset:    task.ID.Offset,
		NX:        task.Resolution.NX,
		NY:        task.Resolution.NY,
	})

	msg, err := s.conn.Expect(model.MsgTypeFragmentResult)
	if err != nil {
		if msg.Close != nil {
			released = "worker closed"
			return &workerClosedError{reason: msg.Close.Reason}
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("awaiting result %d: %w", task.ID.Offset, io.ErrUnexpectedEOF)
		}
		released = errorKind(err)
		return fmt.Errorf("awaiting result %d: %w", task.ID.Offset, err)
	}

	result := msg.FragmentResult
	if result.ID != task.ID {
		released = "mismatch"
		return fmt.Errorf("%w: result id %+v for task %+v", scheduler.ErrResultMismatch, result.ID, task.ID)
	}
	if err := s.d.sched.CompleteTask(s.id, *result, msg.Data); err != nil {
		released = "mismatch"
		return err
	}

	elapsed := time.Since(start)
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()

	pixels := task.Resolution.Pixels()
	s.d.cfg.Metrics.FragmentCompleted(pixels, elapsed.Seconds())
	p := s.d.sched.Progress()
	s.d.cfg.Metrics.SetJobProgress(float64(p.PixelsDone) / float64(p.PixelsTotal))
	s.d.publish(srvmodel.Event{
		Type:      srvmodel.EventFragmentCompleted,
		SessionID: s.id,
		Worker:    worker,
		Offset:    task.ID.Offset,
		NX:        task.Resolution.NX,
		NY:        task.Resolution.NY,
		Elapsed:   elapsed.Seconds(),
	})
	return nil
}

func (s *Session) sendClose(reason string) error {
	if err := s.conn.Send(model.NewClose(reason)); err != nil {
		return fmt.Errorf("send close: %w", err)
	}
	return nil
}

// logf logs a message with the [session] prefix
func (s *Session) logf(format string, args ...interface{}) {
	log.Printf("[session] %s "+format, append([]interface{}{s.id[:8]}, args...)...)
}

// errorKind classifies a session error for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrTruncated):
		return "truncated"
	case errors.Is(err, protocol.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, protocol.ErrUnexpectedMessage):
		return "unexpected message"
	case errors.Is(err, scheduler.ErrResultMismatch):
		return "mismatch"
	case protocol.IsTimeout(err):
		return "timeout"
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return "disconnect"
	default:
		return "io"
	}
}
