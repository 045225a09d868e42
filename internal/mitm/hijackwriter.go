package mitm

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// hijackResponseWriter adapts an already-open net.Conn (past the point
// its HTTP headers were read off reader) into an http.ResponseWriter +
// http.Hijacker pair, which is all gorilla/websocket's Upgrader needs to
// perform the handshake. There is no real server loop underneath: the
// MITM handler already owns this connection.
type hijackResponseWriter struct {
	conn   net.Conn
	reader *bufio.Reader
	header http.Header
}

func newHijackResponseWriter(conn net.Conn, reader *bufio.Reader) *hijackResponseWriter {
	return &hijackResponseWriter{conn: conn, reader: reader, header: make(http.Header)}
}

func (w *hijackResponseWriter) Header() http.Header { return w.header }

func (w *hijackResponseWriter) Write(b []byte) (int, error) { return w.conn.Write(b) }

func (w *hijackResponseWriter) WriteHeader(int) {}

func (w *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.conn == nil {
		return nil, nil, errors.New("mitm: connection already hijacked")
	}
	conn := w.conn
	w.conn = nil
	brw := bufio.NewReadWriter(w.reader, bufio.NewWriter(conn))
	return conn, brw, nil
}
