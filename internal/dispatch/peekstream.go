// Package dispatch classifies a freshly accepted connection's first
// bytes so the caller can branch between plaintext HTTP, CONNECT
// tunneling, and TLS MITM without consuming bytes the next stage needs.
// Grounded on original_source proxy/src/peek_stream.rs: a net.Conn
// wrapper that serves already-read bytes first, then falls through to
// the live connection.
package dispatch

import "net"

// PeekStream wraps a net.Conn, buffering its first bytes so they can be
// inspected and then re-delivered through Read once normal consumption
// resumes.
type PeekStream struct {
	net.Conn
	buffer   []byte
	consumed int
}

// NewPeekStream reads up to peekLen bytes from conn (short reads are
// kept as-is; the caller inspects however many bytes actually arrived)
// and returns a PeekStream plus the peeked bytes.
func NewPeekStream(conn net.Conn, peekLen int) (*PeekStream, []byte, error) {
	buf := make([]byte, peekLen)
	n, err := conn.Read(buf)
	if n == 0 && err != nil {
		return nil, nil, err
	}
	buf = buf[:n]

	ps := &PeekStream{Conn: conn, buffer: buf}
	return ps, append([]byte(nil), buf...), nil
}

// Read serves buffered peeked bytes first, then delegates to the
// underlying connection.
func (p *PeekStream) Read(b []byte) (int, error) {
	if p.consumed < len(p.buffer) {
		n := copy(b, p.buffer[p.consumed:])
		p.consumed += n
		return n, nil
	}
	return p.Conn.Read(b)
}
