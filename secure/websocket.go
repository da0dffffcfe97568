package secure

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/coapio/socket"
)

const (
	// WSSubprotocol is the WebSocket subprotocol for CoAP.
	WSSubprotocol = "coap"

	// WSPath is the well-known resource CoAP WebSocket endpoints serve.
	WSPath = "/.well-known/coap"

	wsBufferSize = 4096
)

// WSLayer runs the WebSocket opening handshake on KindWS handles with
// gorilla/websocket and carries each message in one binary frame.
type WSLayer struct {
	path string
	opts Options
}

// NewWSLayer creates a WebSocket layer serving and requesting path. An
// empty path selects WSPath.
func NewWSLayer(path string, opts Options) *WSLayer {
	if path == "" {
		path = WSPath
	}
	return &WSLayer{path: path, opts: opts.withDefaults()}
}

// Kind returns socket.KindWS.
func (l *WSLayer) Kind() socket.Kind {
	return socket.KindWS
}

// Handshake performs the HTTP upgrade on a connected stream handle.
func (l *WSLayer) Handshake(ctx context.Context, h *socket.Handle, peer Peer) (Session, error) {
	ctx, cancel := handshakeContext(ctx, l.opts)
	defer cancel()
	conn, err := prepareStream(ctx, socket.KindWS, h, l.opts)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var s *wsSession
	if peer.Role == RoleServer {
		s, err = l.accept(conn)
	} else {
		s, err = l.dial(ctx, conn, h)
	}
	finishStream(conn)
	logHandshake(socket.KindWS, peer.Role, h.RemoteAddr(), start, err)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (l *WSLayer) dial(ctx context.Context, conn *waitConn, h *socket.Handle) (*wsSession, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return conn, nil
		},
		Subprotocols:    []string{WSSubprotocol},
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
	}

	url := "ws://" + h.RemoteAddr().String() + l.path
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	if ws.Subprotocol() != WSSubprotocol {
		ws.Close()
		return nil, fmt.Errorf("%w: subprotocol %q", websocket.ErrBadHandshake, ws.Subprotocol())
	}
	return &wsSession{conn: conn, ws: ws, opts: l.opts}, nil
}

func (l *WSLayer) accept(conn *waitConn) (*wsSession, error) {
	br := bufio.NewReaderSize(conn, wsBufferSize)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, fmt.Errorf("read upgrade request: %w", err)
	}
	defer req.Body.Close()

	w := &hijackWriter{conn: conn, br: br, header: make(http.Header)}
	if req.URL.Path != l.path {
		http.NotFound(w, req)
		w.finish()
		return nil, fmt.Errorf("%w: path %q", websocket.ErrBadHandshake, req.URL.Path)
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{WSSubprotocol},
		// CoAP clients are not browsers.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		w.finish()
		return nil, fmt.Errorf("%w: %v", websocket.ErrBadHandshake, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "WSLayer.accept",
		"subprotocol": ws.Subprotocol(),
	}).Debug("WebSocket upgrade accepted")

	return &wsSession{conn: conn, ws: ws, br: br, opts: l.opts}, nil
}

// hijackWriter is the http.ResponseWriter for a request read straight off
// the handle. Error responses are buffered and written by finish; Hijack
// hands the connection to the upgrader.
type hijackWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *hijackWriter) Header() http.Header {
	return w.header
}

func (w *hijackWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *hijackWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(b)
}

// finish writes a buffered non-upgrade response.
func (w *hijackWriter) finish() {
	if w.status == 0 {
		return
	}
	w.header.Set("Connection", "close")
	w.header.Set("Content-Length", strconv.Itoa(w.body.Len()))
	bw := bufio.NewWriter(w.conn)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", w.status, http.StatusText(w.status))
	w.header.Write(bw)
	bw.WriteString("\r\n")
	bw.Write(w.body.Bytes())
	bw.Flush()
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(w.br, bufio.NewWriterSize(w.conn, wsBufferSize)), nil
}

type wsSession struct {
	conn   *waitConn
	ws     *websocket.Conn
	br     *bufio.Reader
	opts   Options
	closed bool
}

// Receive reads one message, waiting up to IOTimeout for the rest of it.
// On the accepting side it goes on while whole frames are already buffered.
//
// TODO: the dialing side cannot see the WebSocket read buffer, so a second
// message that arrived in the same segment waits for the next readiness
// event; read frames through an owned bufio.Reader on both sides.
func (s *wsSession) Receive(deliver func([]byte)) error {
	if s.closed {
		return ErrSessionClosed
	}
	for {
		s.conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return err
		}
		deliver(data)
		if s.br == nil || s.br.Buffered() == 0 {
			return nil
		}
	}
}

// Buffered reports whether the accepting side holds unread frame bytes.
func (s *wsSession) Buffered() bool {
	return !s.closed && s.br != nil && s.br.Buffered() > 0
}

func (s *wsSession) Send(b []byte) error {
	if s.closed {
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	return s.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a close frame and closes the handle.
func (s *wsSession) Close() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.IOTimeout))
	return s.ws.Close()
}
