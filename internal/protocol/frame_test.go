package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"reflect"
	"runtime"
	"testing"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
	"github.com/taskmgr818/fractal-at-home/internal/model"
)

func sampleTask() model.FragmentTask {
	return model.FragmentTask{
		ID: model.PixelSpan{Offset: 24, Count: 12},
		Fractal: model.FractalDescriptor{Julia: &model.JuliaParams{
			C:                      complexnum.New(-0.9, 0.27015),
			DivergenceThresholdSqr: 4,
		}},
		MaxIteration: 255,
		Resolution:   model.Resolution{NX: 2, NY: 2},
		Range:        model.Range{Min: model.Point{X: -1.5, Y: -1}, Max: model.Point{X: 0, Y: 0}},
	}
}

func sampleMessages() map[string]model.Message {
	task := sampleTask()
	return map[string]model.Message{
		"request": model.NewFragmentRequest("worker-1", 4096),
		"task":    model.NewFragmentTask(task),
		"result": model.NewFragmentResult(model.FragmentResult{
			ID:         task.ID,
			Resolution: task.Resolution,
			Range:      task.Range,
			Pixels:     model.PixelSpan{Offset: 0, Count: 12},
		}, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}),
		"close": model.NewClose(model.CloseJobComplete),
	}
}

func TestRoundTrip(t *testing.T) {
	for name, msg := range sampleMessages() {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteMessage(&buf, msg); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			got, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Errorf("round trip = %+v, want %+v", got, msg)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left after one frame", buf.Len())
			}
		})
	}
}

func TestFrameHeader(t *testing.T) {
	msg := sampleMessages()["result"]
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	total := binary.BigEndian.Uint32(frame[0:4])
	jsonLen := binary.BigEndian.Uint32(frame[4:8])

	if int(total) != len(frame)-4 {
		t.Errorf("total = %d, want %d", total, len(frame)-4)
	}
	if want := uint32(4) + jsonLen + uint32(len(msg.Data)); total != want {
		t.Errorf("total = %d, want 4 + json_len + data = %d", total, want)
	}
	if !bytes.Equal(frame[8+jsonLen:], msg.Data) {
		t.Error("trailer does not follow json")
	}
}

func TestBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	msgs := sampleMessages()
	order := []string{"request", "task", "result", "close"}
	for _, name := range order {
		if err := WriteMessage(&buf, msgs[name]); err != nil {
			t.Fatalf("WriteMessage(%s): %v", name, err)
		}
	}
	for _, name := range order {
		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage(%s): %v", name, err)
		}
		if !reflect.DeepEqual(got, msgs[name]) {
			t.Errorf("%s: got %+v", name, got)
		}
	}
	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Errorf("read past last frame = %v, want io.EOF", err)
	}
}

func TestTruncatedFrame(t *testing.T) {
	frame, err := Encode(sampleMessages()["result"])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for cut := 0; cut < len(frame); cut++ {
		_, err := ReadMessage(bytes.NewReader(frame[:cut]))
		if cut == 0 {
			if err != io.EOF {
				t.Errorf("empty stream error = %v, want io.EOF", err)
			}
			continue
		}
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("cut at %d: error = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestLargeClaimedFrameAllocatesLazily(t *testing.T) {
	frame := rawFrame(MaxFrameSize, 2, []byte("{}"))

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err := ReadMessage(bytes.NewReader(frame))
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("error = %v, want ErrTruncated", err)
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 1<<20 {
		t.Errorf("reading a %d byte claim with 2 body bytes allocated %d bytes", MaxFrameSize, grown)
	}
}

func rawFrame(total, jsonLen uint32, body []byte) []byte {
	buf := binary.BigEndian.AppendUint32(nil, total)
	buf = binary.BigEndian.AppendUint32(buf, jsonLen)
	return append(buf, body...)
}

func jsonFrame(payload string) []byte {
	return rawFrame(uint32(4+len(payload)), uint32(len(payload)), []byte(payload))
}

func TestMalformedPayload(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"not json", jsonFrame(`{"FragmentRequest":`)},
		{"unknown variant", jsonFrame(`{"Mandelbrot":{}}`)},
		{"two variants", jsonFrame(`{"Close":{},"FragmentRequest":{"worker_name":"a","maximal_work_load":1}}`)},
		{"no variant", jsonFrame(`{}`)},
		{"null variant", jsonFrame(`{"Close":null}`)},
		{"array", jsonFrame(`[]`)},
		{"bad field type", jsonFrame(`{"FragmentRequest":{"worker_name":"a","maximal_work_load":"lots"}}`)},
		{"json longer than frame", rawFrame(6, 10, []byte("{}"))},
		{"total below json field", rawFrame(2, 0, nil)},
		{"too large", rawFrame(MaxFrameSize+1, 2, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.frame))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("error = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestEncodeRejectsEmptyMessage(t *testing.T) {
	if _, err := Encode(model.Message{}); err == nil {
		t.Error("Encode of empty message should fail")
	}
}

func TestConnExpect(t *testing.T) {
	client, server := net.Pipe()
	a := NewConn(client, time.Second)
	b := NewConn(server, time.Second)
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.Send(model.NewFragmentRequest("w", 9))
		_ = a.Send(model.NewClose("bye"))
	}()

	msg, err := b.Expect(model.MsgTypeFragmentRequest)
	if err != nil {
		t.Fatalf("Expect(FragmentRequest): %v", err)
	}
	if msg.FragmentRequest.WorkerName != "w" || msg.FragmentRequest.MaximalWorkLoad != 9 {
		t.Errorf("request = %+v", msg.FragmentRequest)
	}

	msg, err = b.Expect(model.MsgTypeFragmentResult)
	var unexpected *UnexpectedMessageError
	if !errors.As(err, &unexpected) || !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("Expect(FragmentResult) error = %v, want UnexpectedMessageError", err)
	}
	if unexpected.Got != model.MsgTypeClose || unexpected.Want != model.MsgTypeFragmentResult {
		t.Errorf("unexpected = %+v", unexpected)
	}
	if msg.Close == nil || msg.Close.Reason != "bye" {
		t.Errorf("close message not returned: %+v", msg)
	}
}

func TestConnReceiveTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	c := NewConn(server, 20*time.Millisecond)
	defer c.Close()

	_, err := c.Receive()
	if !IsTimeout(err) {
		t.Errorf("Receive error = %v, want timeout", err)
	}
}

func TestConnReceiveWithinOverridesTimeout(t *testing.T) {
	client, server := net.Pipe()
	a := NewConn(client, time.Second)
	b := NewConn(server, 20*time.Millisecond)
	defer a.Close()
	defer b.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = a.Send(model.NewClose(model.CloseJobComplete))
	}()

	msg, err := b.ReceiveWithin(0)
	if err != nil {
		t.Fatalf("ReceiveWithin(0): %v", err)
	}
	if msg.Close == nil || msg.Close.Reason != model.CloseJobComplete {
		t.Errorf("msg = %+v", msg)
	}
}
