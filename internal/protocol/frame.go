// Package protocol implements the length-prefixed JSON framing shared by the
// dispatcher and its workers.
//
// A frame on the wire is
//
//	u32be total | u32be json_len | json | data
//
// where total = 4 + json_len + len(data) counts every byte after the first
// length field. The JSON is an externally tagged model.Message and data is
// the optional binary trailer (pixels of a FragmentResult).
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// MaxFrameSize caps the total length a reader will accept.
const MaxFrameSize = 64 << 20

const headerSize = 8

var (
	// ErrTruncated means the stream ended in the middle of a frame.
	ErrTruncated = errors.New("truncated frame")
	// ErrMalformedPayload covers bad lengths, bad JSON and unknown variants.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnexpectedMessage is matched by *UnexpectedMessageError.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// UnexpectedMessageError reports a well-formed message of the wrong kind.
type UnexpectedMessageError struct {
	Want model.MsgType
	Got  model.MsgType
}

func (e *UnexpectedMessageError) Error() string {
	return fmt.Sprintf("unexpected message: want %s, got %s", e.Want, e.Got)
}

func (e *UnexpectedMessageError) Is(target error) bool {
	return target == ErrUnexpectedMessage
}

// Encode renders msg as a complete frame.
func Encode(msg model.Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	total := uint64(4) + uint64(len(payload)) + uint64(len(msg.Data))
	if total > MaxFrameSize {
		return nil, fmt.Errorf("encode: frame of %d bytes exceeds limit %d", total, MaxFrameSize)
	}

	buf := make([]byte, 0, headerSize+len(payload)+len(msg.Data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = append(buf, msg.Data...)
	return buf, nil
}

// WriteMessage writes msg as a single frame.
func WriteMessage(w io.Writer, msg model.Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one frame. It returns io.EOF when the peer
// closed the stream before the first byte of the frame, and ErrTruncated
// for any shorter read after that.
func ReadMessage(r io.Reader) (model.Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Message{}, io.EOF
		}
		return model.Message{}, shortRead(err)
	}
	total := binary.BigEndian.Uint32(header[:4])
	if total < 4 {
		return model.Message{}, fmt.Errorf("%w: total length %d smaller than json length field", ErrMalformedPayload, total)
	}
	if total > MaxFrameSize {
		return model.Message{}, fmt.Errorf("%w: total length %d exceeds limit %d", ErrMalformedPayload, total, MaxFrameSize)
	}

	if _, err := io.ReadFull(r, header[4:]); err != nil {
		return model.Message{}, shortRead(err)
	}
	jsonLen := binary.BigEndian.Uint32(header[4:])
	if jsonLen > total-4 {
		return model.Message{}, fmt.Errorf("%w: json length %d exceeds frame body %d", ErrMalformedPayload, jsonLen, total-4)
	}

	// The buffer grows with the bytes actually received, so a bare header
	// claiming a large frame costs nothing until the body arrives.
	var buf bytes.Buffer
	if n, err := io.CopyN(&buf, r, int64(total-4)); n < int64(total-4) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return model.Message{}, shortRead(err)
	}
	body := buf.Bytes()

	msg, err := Decode(body[:jsonLen])
	if err != nil {
		return model.Message{}, err
	}
	if rest := body[jsonLen:]; len(rest) > 0 {
		msg.Data = rest
	}
	return msg, nil
}

// Decode parses the JSON part of a frame. Exactly one known variant tag
// must be present.
func Decode(payload []byte) (model.Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return model.Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(raw) != 1 {
		return model.Message{}, fmt.Errorf("%w: expected one variant, found %d", ErrMalformedPayload, len(raw))
	}

	var msg model.Message
	for tag, body := range raw {
		if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			return model.Message{}, fmt.Errorf("%w: variant %s is null", ErrMalformedPayload, tag)
		}
		var target any
		switch model.MsgType(tag) {
		case model.MsgTypeFragmentRequest:
			msg.FragmentRequest = &model.FragmentRequest{}
			target = msg.FragmentRequest
		case model.MsgTypeFragmentTask:
			msg.FragmentTask = &model.FragmentTask{}
			target = msg.FragmentTask
		case model.MsgTypeFragmentResult:
			msg.FragmentResult = &model.FragmentResult{}
			target = msg.FragmentResult
		case model.MsgTypeClose:
			msg.Close = &model.Close{}
			target = msg.Close
		default:
			return model.Message{}, fmt.Errorf("%w: unknown variant %q", ErrMalformedPayload, tag)
		}
		if err := json.Unmarshal(body, target); err != nil {
			return model.Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, tag, err)
		}
	}
	return msg, nil
}

func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return fmt.Errorf("read frame: %w", err)
}
