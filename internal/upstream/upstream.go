// Package upstream dials and executes requests against origin servers on
// behalf of the MITM handler, generalizing the teacher's http.Transport/
// http.Client construction in proxy.go/mitm.go into a protocol-aware
// client that negotiates ALPN instead of pinning http/1.1.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/fergdev/roxy/internal/flow"
)

// ErrKind is the upstream failure taxonomy.
type ErrKind int

const (
	ErrNone ErrKind = iota
	ErrIO
	ErrALPN
	ErrHyper
	ErrHyperUpgrade
	ErrHTTP
	ErrURI
	ErrInvalidDNSName
	ErrTimeout
	ErrProxyConnect
	ErrTLS
	ErrBadHost
)

func (k ErrKind) String() string {
	switch k {
	case ErrIO:
		return "io"
	case ErrALPN:
		return "alpn"
	case ErrHyper:
		return "hyper"
	case ErrHyperUpgrade:
		return "hyper_upgrade"
	case ErrHTTP:
		return "http"
	case ErrURI:
		return "uri"
	case ErrInvalidDNSName:
		return "invalid_dns_name"
	case ErrTimeout:
		return "timeout"
	case ErrProxyConnect:
		return "proxy_connect"
	case ErrTLS:
		return "tls"
	case ErrBadHost:
		return "bad_host"
	default:
		return "none"
	}
}

// Error wraps an upstream failure with its ErrKind.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("upstream: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Result is the response to an upstream dispatch, including the observed
// TLS chain even when verification succeeded.
type Result struct {
	Status   int
	Version  flow.Version
	Headers  *flow.HeaderList
	Trailers *flow.HeaderList
	Body     []byte
	TLSChain []*x509.Certificate
}

// Trace receives per-phase timing callbacks for a single Do call, so the
// caller can stamp its own timing model (the flow package's write-once
// slots) without this package depending on it. Any field may be nil.
// Callbacks fire synchronously from the dialing goroutine.
type Trace struct {
	ConnInitiated func(time.Time) // origin dial started
	TCPHandshake  func(time.Time) // origin TCP connect completed
	TLSHandshake  func(time.Time) // origin TLS handshake completed
}

func (t *Trace) clientTrace() *httptrace.ClientTrace {
	if t == nil {
		return nil
	}
	ct := &httptrace.ClientTrace{}
	if t.ConnInitiated != nil {
		ct.ConnectStart = func(_, _ string) { t.ConnInitiated(time.Now()) }
	}
	if t.TCPHandshake != nil {
		ct.ConnectDone = func(_, _ string, err error) {
			if err == nil {
				t.TCPHandshake(time.Now())
			}
		}
	}
	if t.TLSHandshake != nil {
		ct.TLSHandshakeDone = func(_ tls.ConnectionState, err error) {
			if err == nil {
				t.TLSHandshake(time.Now())
			}
		}
	}
	return ct
}

// Options configures a Client.
type Options struct {
	ConnectTimeout time.Duration
	TLSTimeout     time.Duration
	RequestTimeout time.Duration
	RootCAs        *x509.CertPool
	// ProxyURL, when set, routes requests through an upstream parent
	// proxy: CONNECT for TLS destinations, absolute-form request lines
	// for plaintext.
	ProxyURL string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.TLSTimeout <= 0 {
		o.TLSTimeout = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	return o
}

// Client dispatches InterceptedRequests to origin servers, selecting
// h1/h2/h3 transports by negotiated ALPN.
type Client struct {
	opts       Options
	h1Client   *http.Client
	h2Client   *http.Client
	h3Client   *h3Client
	lastChains map[string][]*x509.Certificate
}

// New constructs a Client. h3 support is initialized lazily on first use
// since quic-go sockets are comparatively expensive to set up.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	c := &Client{opts: opts, lastChains: map[string][]*x509.Certificate{}}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	h1Transport := &http.Transport{
		DialContext:           c.dialContext(dialer),
		DialTLSContext:        c.dialTLSContext(dialer, []string{"http/1.1"}),
		TLSHandshakeTimeout:   opts.TLSTimeout,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c.h1Client = &http.Client{
		Transport:     h1Transport,
		CheckRedirect: noRedirect,
	}

	h2Transport := &http.Transport{
		DialContext:           c.dialContext(dialer),
		DialTLSContext:        c.dialTLSContext(dialer, []string{"h2", "http/1.1"}),
		TLSHandshakeTimeout:   opts.TLSTimeout,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	_ = http2.ConfigureTransport(h2Transport)
	c.h2Client = &http.Client{
		Transport:     h2Transport,
		CheckRedirect: noRedirect,
	}

	return c
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func (c *Client) dialContext(d *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if c.opts.ProxyURL != "" {
			return c.dialViaProxy(ctx, d, network, addr, false)
		}
		return d.DialContext(ctx, network, addr)
	}
}

func (c *Client) dialTLSContext(d *net.Dialer, alpn []string) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var raw net.Conn
		var err error
		if c.opts.ProxyURL != "" {
			raw, err = c.dialViaProxy(ctx, d, network, addr, true)
		} else {
			raw, err = d.DialContext(ctx, network, addr)
		}
		if err != nil {
			return nil, wrapErr(ErrProxyConnect, err)
		}

		host, _, _ := net.SplitHostPort(addr)
		cfg := &tls.Config{
			ServerName:         host,
			NextProtos:         alpn,
			RootCAs:            c.opts.RootCAs,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				chain := make([]*x509.Certificate, 0, len(rawCerts))
				for _, der := range rawCerts {
					if cert, parseErr := x509.ParseCertificate(der); parseErr == nil {
						chain = append(chain, cert)
					}
				}
				c.lastChains[addr] = chain
				return nil
			},
		}

		tlsConn := tls.Client(raw, cfg)
		tlsConn.SetDeadline(time.Now().Add(c.opts.TLSTimeout))
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			return nil, wrapErr(ErrTLS, err)
		}
		tlsConn.SetDeadline(time.Time{})

		// net/http's transport only invokes ClientTrace.TLSHandshakeDone
		// from its own internal dial path; since we hand it an
		// already-established TLS conn via DialTLSContext, that hook
		// never fires on its own. Invoke it ourselves so a Trace
		// passed into Do still observes the handshake instant.
		if ct := httptrace.ContextClientTrace(ctx); ct != nil && ct.TLSHandshakeDone != nil {
			ct.TLSHandshakeDone(tlsConn.ConnectionState(), nil)
		}
		return tlsConn, nil
	}
}

func (c *Client) dialViaProxy(ctx context.Context, d *net.Dialer, _ string, addr string, wantsTLS bool) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", c.opts.ProxyURL)
	if err != nil {
		return nil, wrapErr(ErrProxyConnect, err)
	}
	if !wantsTLS {
		return conn, nil
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	if _, err := io.WriteString(conn, req); err != nil {
		conn.Close()
		return nil, wrapErr(ErrProxyConnect, err)
	}

	resp, err := http.ReadResponse(newBufReader(conn), &http.Request{Method: "CONNECT"})
	if err != nil {
		conn.Close()
		return nil, wrapErr(ErrProxyConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, wrapErr(ErrProxyConnect, fmt.Errorf("parent proxy returned %s", resp.Status))
	}
	return conn, nil
}

// Do dispatches an InterceptedRequest. version selects which transport
// negotiates the connection: flow.Version3_0 uses QUIC/h3, anything else
// tries h2 (on https) falling back to h1. trace, if non-nil, is reported
// the origin dial's connect/TLS-handshake instants; pass nil if the
// caller doesn't need them.
func (c *Client) Do(ctx context.Context, req *flow.InterceptedRequest, trace *Trace) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	if ct := trace.clientTrace(); ct != nil {
		ctx = httptrace.WithClientTrace(ctx, ct)
	}

	if req.Version == flow.Version3_0 {
		// QUIC folds transport and TLS establishment into one exchange;
		// h3 dispatch doesn't go through net.Dialer/tls.Client, so the
		// ClientTrace hooks above never fire for it.
		return c.doH3(ctx, req)
	}

	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, wrapErr(ErrURI, err)
	}
	removeHopByHop(httpReq.Header)

	client := c.h1Client
	if strings.HasPrefix(req.URI, "https://") {
		client = c.h2Client
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapErr(ErrTimeout, err)
		}
		return nil, wrapErr(ErrHyper, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr(ErrIO, err)
	}

	headers := flow.NewHeaderList()
	removeHopByHop(resp.Header)
	for name, values := range resp.Header {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	result := &Result{
		Status:  resp.StatusCode,
		Version: versionFromProto(resp.Proto),
		Headers: headers,
		Body:    body,
	}

	host := httpReq.URL.Host
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	result.TLSChain = c.lastChains[host]

	return result, nil
}

func newHTTPRequest(ctx context.Context, req *flow.InterceptedRequest) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), req.URI, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	if req.Headers != nil {
		req.Headers.Each(func(name, value string) { httpReq.Header.Add(name, value) })
	}
	return httpReq, nil
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

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func removeHopByHop(h http.Header) {
	conn := h.Get("Connection")
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	if conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
}
