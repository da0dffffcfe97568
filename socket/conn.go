package socket

import (
	"io"
	"net"
	"net/netip"
	"time"
)

// wouldBlockError is the net.Error returned by Conn reads and writes that
// cannot complete on a non-blocking handle. TLS and WebSocket layers treat
// it as a recoverable timeout.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return ErrWouldBlock.Error() }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }
func (wouldBlockError) Unwrap() error   { return ErrWouldBlock }

// Conn is a net.Conn view of a connected Handle, used to run handshake
// layers over the handle. On datagram kinds every Read returns one datagram.
// In blocking mode its calls block in the kernel; in non-blocking mode they
// fail with a timeout net.Error whenever the handle would block. Deadlines
// are not supported.
type Conn struct {
	h *Handle
}

// NetConn returns a net.Conn view of a connected handle. Closing the view
// closes the handle.
func (h *Handle) NetConn() (*Conn, error) {
	if !h.Valid() {
		return nil, ErrInvalidHandle
	}
	if h.flags&FlagConnected == 0 || h.listening {
		return nil, newError("netconn", h.remote.String(), ErrNotConnected)
	}
	return &Conn{h: h}, nil
}

// Handle returns the underlying handle.
func (c *Conn) Handle() *Handle {
	return c.h
}

func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.h.Read(b)
	if err == ErrWouldBlock {
		return 0, wouldBlockError{}
	}
	if n == 0 && err == nil && len(b) > 0 && c.h.kind.Stream() {
		return 0, io.EOF
	}
	return n, err
}

func (c *Conn) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := c.h.Write(b[written:])
		written += n
		if err == ErrWouldBlock {
			return written, wouldBlockError{}
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (c *Conn) Close() error {
	if !c.h.Valid() {
		return nil
	}
	return c.h.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.addr(c.h.LocalAddr())
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.addr(c.h.RemoteAddr())
}

func (c *Conn) addr(ap netip.AddrPort) net.Addr {
	if c.h.kind.Datagram() {
		return net.UDPAddrFromAddrPort(ap)
	}
	return net.TCPAddrFromAddrPort(ap)
}

func (c *Conn) SetDeadline(time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error { return nil }
