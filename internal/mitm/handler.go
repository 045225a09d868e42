// Package mitm implements the intercepting proxy's connection state
// machine: accept, classify, branch into plain HTTP / CONNECT tunnel /
// TLS MITM, and drive the HTTP pipeline over whichever transport the
// negotiated connection turns out to be. Grounded on the teacher's
// Proxy/MITMProxy (proxy.go, mitm.go): ServeHTTP's CONNECT/non-CONNECT
// split and handleConnectMITM/handleTLSConnection's hijack-then-loop
// structure survive; the teacher's single always-http/1.1, always-MITM
// behavior is generalized to ALPN-negotiated h1/h2 and an optional
// passthrough host filter.
package mitm

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/fergdev/roxy/internal/ca"
	"github.com/fergdev/roxy/internal/dispatch"
	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/flowstore"
	"github.com/fergdev/roxy/internal/pipeline"
	"github.com/fergdev/roxy/internal/script"
	"github.com/fergdev/roxy/internal/upstream"
	"github.com/fergdev/roxy/internal/wsproxy"
)

// Handler is the top-level proxy server: an http.Handler for the plain
// listener, plus the hijack-and-loop path CONNECT requests take into
// TLS MITM or transparent passthrough.
type Handler struct {
	CA         *ca.Authority
	LeafCache  *ca.LeafCache
	HostFilter *HostFilter
	Store      flowstore.Store
	Script     *script.Host
	Upstream   *upstream.Client
	Logger     *slog.Logger

	MaxBodyBytes int
	TLSTimeout   time.Duration
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) deps() pipeline.Deps {
	return pipeline.Deps{
		Store:        h.Store,
		ScriptHost:   h.Script,
		Upstream:     h.Upstream,
		Logger:       h.Logger,
		MaxBodyBytes: h.MaxBodyBytes,
	}
}

// ServeHTTP implements http.Handler for the plaintext listener: CONNECT
// requests enter the tunnel/MITM state machine (S0-S4), everything else
// is a plain HTTP proxy request handled directly through the pipeline.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		h.handleConnect(w, r)
		return
	}
	// net/http accepted the underlying connection before routing here;
	// "established" is approximated as request-arrival time since the
	// plain listener never hands us the accept instant directly.
	h.handlePlainHTTP(w, r, pipeline.ConnTiming{Established: time.Now()})
}

func (h *Handler) handlePlainHTTP(w http.ResponseWriter, r *http.Request, connTiming pipeline.ConnTiming) {
	if isWSUpgrade(r) {
		fl := h.Store.NewWSFlow(r.Host, r.RemoteAddr)
		originURL := fmt.Sprintf("ws://%s%s", r.Host, r.URL.RequestURI())
		if err := wsproxy.Serve(r.Context(), h.Store, fl, w, r, originURL, h.logger()); err != nil {
			h.logger().Debug("plain websocket proxy error", "host", r.Host, "error", err)
		}
		return
	}

	req, err := requestFromHTTP(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := pipeline.Handle(r.Context(), h.deps(), r.Host, r.RemoteAddr, req, pipeline.HTTPResponseWriter{W: w}, connTiming); err != nil {
		h.logger().Warn("plain HTTP pipeline error", "error", err)
	}
}

// handleConnect is S0: acknowledge the tunnel, then classify the first
// bytes to decide S2 (TLS MITM), S4 (transparent plaintext-over-CONNECT),
// or an opaque passthrough tunnel for hosts the filter excludes.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	acceptedAt := time.Now()
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		h.logger().Error("hijack failed", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	if h.HostFilter != nil && !h.HostFilter.ShouldIntercept(r.Host) {
		h.passthrough(clientConn, r.Host)
		return
	}

	h.handleConnectTunnel(r.Context(), clientConn, r.Host, acceptedAt)
}

// passthrough is the non-intercepted fallback: a raw bidirectional copy
// with no MITM, no flow recorded.
func (h *Handler) passthrough(clientConn net.Conn, host string) {
	defer clientConn.Close()

	dialHost := ensurePort(host, "443")
	upstreamConn, err := net.DialTimeout("tcp", dialHost, 30*time.Second)
	if err != nil {
		h.logger().Error("passthrough dial failed", "host", dialHost, "error", err)
		return
	}
	defer upstreamConn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstreamConn, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, upstreamConn); done <- struct{}{} }()
	<-done
}

// handleConnectTunnel peeks the first bytes of the CONNECT tunnel to
// decide whether the client is about to speak TLS (S2) or plaintext
// HTTP over the tunnel (S4, grounded on the teacher's
// handleConnectPassthrough but actually parsed here instead of blindly
// relayed).
func (h *Handler) handleConnectTunnel(ctx context.Context, clientConn net.Conn, host string, acceptedAt time.Time) {
	peeked, peekedBytes, err := dispatch.NewPeekStream(clientConn, 16)
	if err != nil {
		clientConn.Close()
		return
	}

	switch dispatch.Classify(peekedBytes) {
	case dispatch.KindTLSClientHello:
		h.handleTLSMITM(ctx, peeked, host, acceptedAt)
	case dispatch.KindPlaintextHTTP:
		h.handleTransparentHTTP(ctx, peeked, host, acceptedAt)
	default:
		// Not recognizable as either; keep relaying transparently
		// rather than tearing down an otherwise-fine tunnel.
		h.relayOpaque(peeked, host)
	}
}

func (h *Handler) relayOpaque(clientConn net.Conn, host string) {
	defer clientConn.Close()
	dialHost := ensurePort(host, "443")
	upstreamConn, err := net.DialTimeout("tcp", dialHost, 30*time.Second)
	if err != nil {
		return
	}
	defer upstreamConn.Close()
	done := make(chan struct{}, 2)
	go func() { io.Copy(upstreamConn, clientConn); done <- struct{}{} }()
	go func() { io.Copy(clientConn, upstreamConn); done <- struct{}{} }()
	<-done
}

// handleTransparentHTTP is S4: the tunnel carries plaintext HTTP/1
// requests against the CONNECT authority (e.g. an http:// request sent
// through a CONNECT tunnel), so it is parsed and driven through the same
// pipeline as any other request instead of being relayed untouched.
func (h *Handler) handleTransparentHTTP(ctx context.Context, clientConn net.Conn, host string, acceptedAt time.Time) {
	defer clientConn.Close()
	connTiming := pipeline.ConnTiming{Established: acceptedAt}
	reader := bufio.NewReader(clientConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "http"
		req.URL.Host = host

		interceptedReq, err := requestFromHTTP(req)
		if err != nil {
			return
		}
		if err := pipeline.Handle(ctx, h.deps(), host, clientConn.RemoteAddr().String(), interceptedReq, pipeline.ConnResponseWriter{Conn: clientConn}, connTiming); err != nil {
			h.logger().Debug("transparent HTTP pipeline error", "error", err)
			return
		}
	}
}

// handleTLSMITM is S2/S3: perform the TLS handshake with a leaf cert
// minted for the CONNECT authority's SNI, then serve whichever protocol
// ALPN negotiated.
func (h *Handler) handleTLSMITM(ctx context.Context, clientConn net.Conn, host string, acceptedAt time.Time) {
	tlsTimeout := h.TLSTimeout
	if tlsTimeout <= 0 {
		tlsTimeout = 30 * time.Second
	}

	tlsConfig := &tls.Config{
		GetCertificate: h.LeafCache.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
	tlsConn := tls.Server(clientConn, tlsConfig)
	tlsConn.SetDeadline(time.Now().Add(tlsTimeout))
	if err := tlsConn.Handshake(); err != nil {
		h.logger().Debug("TLS handshake with client failed", "host", host, "error", err)
		fl := h.Store.NewHTTPFlow(host, clientConn.RemoteAddr().String())
		fl.SetError(flow.ErrorTLS, err.Error())
		h.Store.PostEvent(ctx, fl, flowstore.EventFlowFailed)
		clientConn.Close()
		return
	}
	tlsConn.SetDeadline(time.Time{})
	connTiming := pipeline.ConnTiming{Established: acceptedAt, TLSHandshake: time.Now()}

	negotiated := tlsConn.ConnectionState().NegotiatedProtocol
	defer tlsConn.Close()

	switch negotiated {
	case "h2":
		h.serveH2(ctx, tlsConn, host, connTiming)
	default:
		h.serveH1(ctx, tlsConn, host, connTiming)
	}
}

func (h *Handler) serveH1(ctx context.Context, conn net.Conn, host string, connTiming pipeline.ConnTiming) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host

		if isWSUpgrade(req) {
			h.handleWSUpgradeOverConn(ctx, conn, reader, req, host)
			return
		}

		interceptedReq, err := requestFromHTTP(req)
		if err != nil {
			return
		}
		if err := pipeline.Handle(ctx, h.deps(), host, conn.RemoteAddr().String(), interceptedReq, pipeline.ConnResponseWriter{Conn: conn}, connTiming); err != nil {
			h.logger().Debug("TLS pipeline error", "error", err)
			return
		}
	}
}

func (h *Handler) serveH2(ctx context.Context, conn net.Conn, host string, connTiming pipeline.ConnTiming) {
	server := &http2.Server{}
	server.ServeConn(conn, &http2.ServeConnOpts{
		Context: ctx,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.URL.Scheme = "https"
			r.URL.Host = host
			h.handlePlainHTTP(w, r, connTiming)
		}),
	})
}

// handleWSUpgradeOverConn hands the already-MITM'd connection to C8 via
// an in-process http.Server-free upgrade: gorilla/websocket's upgrader
// needs an http.ResponseWriter/*http.Request pair with a Hijacker, so we
// wrap the raw conn in a minimal one.
func (h *Handler) handleWSUpgradeOverConn(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *http.Request, host string) {
	fl := h.Store.NewWSFlow(host, conn.RemoteAddr().String())

	rw := newHijackResponseWriter(conn, reader)
	originScheme := "wss"
	originURL := fmt.Sprintf("%s://%s%s", originScheme, host, req.URL.RequestURI())

	if err := wsproxy.Serve(ctx, h.Store, fl, rw, req, originURL, h.logger()); err != nil {
		h.logger().Debug("websocket proxy error", "host", host, "error", err)
	}
}

func isWSUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func requestFromHTTP(r *http.Request) (*flow.InterceptedRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()

	headers := flow.NewHeaderList()
	for name, values := range r.Header {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	return &flow.InterceptedRequest{
		Method:  flow.Method(r.Method),
		URI:     r.URL.String(),
		Version: versionFromProto(r.Proto),
		Headers: headers,
		Body:    body,
	}, nil
}

func versionFromProto(proto string) flow.Version {
	switch proto {
	case "HTTP/2.0":
		return flow.Version2_0
	case "HTTP/1.0":
		return flow.Version1_0
	default:
		return flow.Version1_1
	}
}

func ensurePort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, defaultPort)
}
