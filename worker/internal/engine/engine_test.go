package engine

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
	"github.com/taskmgr818/fractal-at-home/internal/fractal"
	"github.com/taskmgr818/fractal-at-home/internal/model"
	"github.com/taskmgr818/fractal-at-home/internal/protocol"
)

type recorder struct {
	mu        sync.Mutex
	conn      []bool
	fragments []Fragment
}

func (r *recorder) ConnectionChanged(connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conn = append(r.conn, connected)
}

func (r *recorder) FragmentSubmitted(f Fragment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fragments = append(r.fragments, f)
}

func testTask(offset uint32, nx, ny uint16) model.FragmentTask {
	res := model.Resolution{NX: nx, NY: ny}
	return model.FragmentTask{
		ID: model.PixelSpan{Offset: offset, Count: res.ByteCount()},
		Fractal: model.FractalDescriptor{Julia: &model.JuliaParams{
			C:                      complexnum.New(-0.9, 0.27015),
			DivergenceThresholdSqr: 4,
		}},
		MaxIteration: 300,
		Resolution:   res,
		Range:        model.Range{Min: model.Point{X: -1, Y: -1}, Max: model.Point{X: 1, Y: 1}},
	}
}

// pipeEngine returns an engine whose dial yields one end of a pipe and the
// dispatcher's end wrapped in a protocol.Conn.
func pipeEngine(cfg Config, recorders ...Recorder) (*Engine, *protocol.Conn) {
	workerSide, dispatcherSide := net.Pipe()
	cfg.Dial = func(context.Context, string) (net.Conn, error) { return workerSide, nil }
	return New(cfg, "pipe", recorders...), protocol.NewConn(dispatcherSide, 5*time.Second)
}

func TestComputesTasksUntilClose(t *testing.T) {
	rec := &recorder{}
	e, d := pipeEngine(Config{Name: "w1", Capacity: 64, IOTimeout: 5 * time.Second}, rec)
	defer d.Close()

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	msg, err := d.Expect(model.MsgTypeFragmentRequest)
	if err != nil {
		t.Fatalf("expect request: %v", err)
	}
	if msg.FragmentRequest.WorkerName != "w1" || msg.FragmentRequest.MaximalWorkLoad != 64 {
		t.Errorf("request = %+v", msg.FragmentRequest)
	}

	for _, task := range []model.FragmentTask{testTask(0, 4, 3), testTask(36, 2, 5)} {
		if err := d.Send(model.NewFragmentTask(task)); err != nil {
			t.Fatalf("send task: %v", err)
		}
		msg, err := d.Expect(model.MsgTypeFragmentResult)
		if err != nil {
			t.Fatalf("expect result: %v", err)
		}
		res := msg.FragmentResult
		if res.ID != task.ID || res.Resolution != task.Resolution || res.Range != task.Range {
			t.Errorf("result header = %+v, task = %+v", res, task)
		}
		if res.Pixels.Offset != 0 || int(res.Pixels.Count) != len(msg.Data) {
			t.Errorf("pixels span = %+v with %d trailer bytes", res.Pixels, len(msg.Data))
		}
		want, _ := fractal.Render(task)
		if !bytes.Equal(msg.Data, want) {
			t.Error("submitted pixels differ from a local render")
		}
	}

	if err := d.Send(model.NewClose(model.CloseJobComplete)); err != nil {
		t.Fatalf("send close: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if e.State() != StateClosed {
		t.Errorf("state = %s, want closed", e.State())
	}
	if e.CloseReason() != model.CloseJobComplete {
		t.Errorf("close reason = %q", e.CloseReason())
	}
	if len(rec.fragments) != 2 || rec.fragments[1].Offset != 36 || rec.fragments[1].NY != 5 {
		t.Errorf("recorded fragments = %+v", rec.fragments)
	}
	if len(rec.conn) != 2 || !rec.conn[0] || rec.conn[1] {
		t.Errorf("connection events = %v", rec.conn)
	}
}

func TestDispatcherHangsUp(t *testing.T) {
	e, d := pipeEngine(Config{Name: "w", Capacity: 1})

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	d.Close()
	if err := <-errc; err != nil {
		t.Errorf("Run = %v, want nil on clean end of stream", err)
	}
}

func TestUnexpectedMessage(t *testing.T) {
	e, d := pipeEngine(Config{Name: "w", Capacity: 1})
	defer d.Close()

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	if err := d.Send(model.NewFragmentRequest("confused", 5)); err != nil {
		t.Fatalf("send: %v", err)
	}

	err := <-errc
	var unexpected *protocol.UnexpectedMessageError
	if !errors.As(err, &unexpected) || unexpected.Got != model.MsgTypeFragmentRequest {
		t.Errorf("Run = %v, want UnexpectedMessageError for FragmentRequest", err)
	}
}

func TestInvalidTaskFails(t *testing.T) {
	e, d := pipeEngine(Config{Name: "w", Capacity: 100})
	defer d.Close()

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	bad := testTask(0, 2, 2)
	bad.ID.Count = 5
	if err := d.Send(model.NewFragmentTask(bad)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := <-errc; err == nil {
		t.Error("Run accepted a task whose id does not match its resolution")
	}
}

func TestCancelSendsClose(t *testing.T) {
	e, d := pipeEngine(Config{Name: "w", Capacity: 10})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.State() != StateAwaitingTask {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, never reached awaiting_task", e.State())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	msg, err := d.Expect(model.MsgTypeClose)
	if err != nil {
		t.Fatalf("expect close: %v", err)
	}
	if msg.Close.Reason != model.CloseWorkerFinishing {
		t.Errorf("close reason = %q", msg.Close.Reason)
	}
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestIdleTimeoutBoundsTaskWait(t *testing.T) {
	e, d := pipeEngine(Config{Name: "w", Capacity: 10, IOTimeout: 5 * time.Second, IdleTimeout: 50 * time.Millisecond})
	defer d.Close()

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	select {
	case err := <-errc:
		if !protocol.IsTimeout(err) {
			t.Errorf("Run = %v, want a timeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle timeout did not end the wait")
	}
}

func TestDialRetries(t *testing.T) {
	workerSide, dispatcherSide := net.Pipe()
	defer dispatcherSide.Close()

	attempts := 0
	cfg := Config{
		Name:            "w",
		Capacity:        1,
		MaxDialAttempts: 3,
		RetryInterval:   time.Millisecond,
		Dial: func(context.Context, string) (net.Conn, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return workerSide, nil
		},
	}
	e := New(cfg, "x")

	errc := make(chan error, 1)
	go func() { errc <- e.Run(context.Background()) }()

	d := protocol.NewConn(dispatcherSide, 5*time.Second)
	if _, err := d.Expect(model.MsgTypeFragmentRequest); err != nil {
		t.Fatalf("expect request: %v", err)
	}
	d.Send(model.NewClose(model.CloseNoSuitableWork))
	if err := <-errc; err != nil {
		t.Fatalf("Run = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDialGivesUp(t *testing.T) {
	refused := errors.New("connection refused")
	attempts := 0
	e := New(Config{
		MaxDialAttempts: 2,
		RetryInterval:   time.Millisecond,
		Dial: func(context.Context, string) (net.Conn, error) {
			attempts++
			return nil, refused
		},
	}, "x")

	if err := e.Run(context.Background()); !errors.Is(err, refused) {
		t.Errorf("Run = %v, want wrapped dial error", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if e.State() != StateClosed {
		t.Errorf("state = %s", e.State())
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(reconnectInterval, tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
