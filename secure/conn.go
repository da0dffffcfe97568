package secure

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/opd-ai/coapio/socket"
)

// aLongTimeAgo is a deadline that makes every wait fail at once.
var aLongTimeAgo = time.Unix(1, 0)

// timeoutError is returned by waitConn when a deadline passes. It is
// temporary so record layers keep partially read records.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Unwrap() error   { return os.ErrDeadlineExceeded }

// waitConn turns the non-blocking socket.Conn into a net.Conn with working
// deadlines by polling the handle. The calling goroutine is blocked while
// it waits; the handle itself never enters blocking mode, so a handshake can
// always be abandoned through its context.
type waitConn struct {
	conn *socket.Conn
	poll time.Duration

	mu            sync.Mutex
	ctx           context.Context
	readDeadline  time.Time
	writeDeadline time.Time
}

func newWaitConn(conn *socket.Conn, poll time.Duration) *waitConn {
	return &waitConn{conn: conn, poll: poll, ctx: context.Background()}
}

// bind makes waits also end when ctx is done. Passing nil unbinds.
func (c *waitConn) bind(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *waitConn) deadlines() (context.Context, time.Time, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx, c.readDeadline, c.writeDeadline
}

// wait sleeps one poll interval unless the deadline or context ends first.
func (c *waitConn) wait(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := c.poll
	if !deadline.IsZero() {
		left := time.Until(deadline)
		if left <= 0 {
			return timeoutError{}
		}
		if left < d {
			d = left
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *waitConn) Read(b []byte) (int, error) {
	for {
		n, err := c.conn.Read(b)
		if !errors.Is(err, socket.ErrWouldBlock) {
			return n, err
		}
		ctx, deadline, _ := c.deadlines()
		if err := c.wait(ctx, deadline); err != nil {
			return 0, err
		}
	}
}

func (c *waitConn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := c.conn.Write(b[written:])
		written += n
		if err == nil {
			continue
		}
		if !errors.Is(err, socket.ErrWouldBlock) {
			return written, err
		}
		ctx, _, deadline := c.deadlines()
		if err := c.wait(ctx, deadline); err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *waitConn) Close() error {
	return c.conn.Close()
}

func (c *waitConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *waitConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *waitConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *waitConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *waitConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// isTimeout reports whether err is a deadline expiry rather than a failure.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
