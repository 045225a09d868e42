package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/fergdev/roxy/internal/flow"
)

// HTTPResponseWriter adapts net/http's ResponseWriter (the plain,
// non-MITM listener path) to pipeline.ResponseWriter.
type HTTPResponseWriter struct {
	W http.ResponseWriter
}

func (h HTTPResponseWriter) WriteResponse(resp *flow.InterceptedResponse) error {
	if resp.Headers != nil {
		resp.Headers.Each(func(name, value string) {
			if name == "Content-Length" {
				return
			}
			h.W.Header().Add(name, value)
		})
	}
	// A script hook may have rewritten the body after the upstream's
	// own Content-Length was recorded, so it is always recomputed here
	// rather than trusted from resp.Headers.
	h.W.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	h.W.WriteHeader(status)
	_, err := h.W.Write(resp.Body)
	return err
}

// ConnResponseWriter adapts a raw net.Conn (the post-TLS-handshake MITM
// loop, where there is no http.ResponseWriter) to pipeline.ResponseWriter
// by serializing an HTTP/1.1 status line and headers directly.
type ConnResponseWriter struct {
	Conn net.Conn
}

func (c ConnResponseWriter) WriteResponse(resp *flow.InterceptedResponse) error {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = "Unknown"
	}

	if _, err := fmt.Fprintf(c.Conn, "HTTP/1.1 %d %s\r\n", status, statusText); err != nil {
		return err
	}

	// A script hook may have rewritten the body after the upstream's own
	// Content-Length was recorded, so it is always recomputed here
	// rather than trusted from resp.Headers.
	if _, err := fmt.Fprintf(c.Conn, "Content-Length: %d\r\n", len(resp.Body)); err != nil {
		return err
	}
	if resp.Headers != nil {
		var writeErr error
		resp.Headers.Each(func(name, value string) {
			if writeErr != nil || name == "Content-Length" {
				return
			}
			_, writeErr = fmt.Fprintf(c.Conn, "%s: %s\r\n", name, value)
		})
		if writeErr != nil {
			return writeErr
		}
	}
	if _, err := fmt.Fprint(c.Conn, "\r\n"); err != nil {
		return err
	}
	_, err := c.Conn.Write(resp.Body)
	return err
}
