package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// DefaultIOTimeout bounds a single frame read or write.
const DefaultIOTimeout = 60 * time.Second

// Conn carries framed messages over a stream connection. Send and Receive
// may be called from different goroutines; each side is serialized.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps c. A zero timeout disables deadlines.
func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    c,
		reader:  bufio.NewReader(c),
		timeout: timeout,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send writes one message.
func (c *Conn) Send(msg model.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return WriteMessage(c.conn, msg)
}

// Receive reads the next message.
func (c *Conn) Receive() (model.Message, error) {
	return c.ReceiveWithin(c.timeout)
}

// ReceiveWithin reads the next message with its own bound in place of the
// connection timeout. A zero timeout waits indefinitely.
func (c *Conn) ReceiveWithin(timeout time.Duration) (model.Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return model.Message{}, fmt.Errorf("set read deadline: %w", err)
	}
	return ReadMessage(c.reader)
}

// Expect reads the next message and requires it to be of type want.
// A Close is returned as-is together with an *UnexpectedMessageError so
// callers can read its reason.
func (c *Conn) Expect(want model.MsgType) (model.Message, error) {
	msg, err := c.Receive()
	if err != nil {
		return model.Message{}, err
	}
	if got := msg.Type(); got != want {
		return msg, &UnexpectedMessageError{Want: want, Got: got}
	}
	return msg, nil
}

// Close closes the underlying connection. It is safe to call twice.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
