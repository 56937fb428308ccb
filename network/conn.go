package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Conn is one framed request/reply connection. Control messages strictly alternate;
// data frames are only exchanged between a positive negotiation reply and its terminator.
type Conn struct {
	conn        net.Conn
	readTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewConn wraps an established stream.
func NewConn(conn net.Conn, readTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}
	return &Conn{
		conn:        conn,
		readTimeout: readTimeout,
		closed:      make(chan struct{}),
	}
}

// Send writes one control message.
func (c *Conn) Send(msg Message) error {
	payload, err := EncodeJSON(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(payload)
}

// Receive reads one control message using the connection's read timeout.
func (c *Conn) Receive() (Message, error) {
	return c.ReceiveWithin(c.readTimeout)
}

// ReceiveWithin reads one control message, waiting at most timeout.
func (c *Conn) ReceiveWithin(timeout time.Duration) (Message, error) {
	payload, err := ReadFrameWithTimeout(c.conn, timeout)
	if err != nil {
		return Message{}, err
	}
	return DecodeMessage(payload)
}

// Exchange sends a request and waits for its reply.
func (c *Conn) Exchange(msg Message) (Message, error) {
	if err := c.Send(msg); err != nil {
		return Message{}, err
	}
	return c.Receive()
}

// WriteData writes one raw data frame. An empty chunk terminates a stream.
func (c *Conn) WriteData(chunk []byte) error {
	return c.writeFrame(chunk)
}

// ReadData reads one raw data frame.
func (c *Conn) ReadData() ([]byte, error) {
	return ReadFrameWithTimeout(c.conn, c.readTimeout)
}

// ReadDataWithin reads one raw data frame, waiting at most timeout.
func (c *Conn) ReadDataWithin(timeout time.Duration) ([]byte, error) {
	return ReadFrameWithTimeout(c.conn, timeout)
}

func (c *Conn) writeFrame(payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	defer func() {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}()
	return WriteFrame(c.conn, payload)
}

// RemoteAddr returns the peer's transport address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RemoteIP returns the peer's IP without port.
func (c *Conn) RemoteIP() string { return hostOf(c.conn.RemoteAddr()) }

// Adapter returns the name of the local interface this connection runs over.
func (c *Conn) Adapter() string { return AdapterName(c.conn.LocalAddr()) }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Close closes the underlying stream. It is safe to call from any goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
