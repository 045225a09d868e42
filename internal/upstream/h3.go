package upstream

import (
	"context"
	"crypto/tls"
	"io"
	"sync"

	"github.com/quic-go/quic-go/http3"

	"github.com/fergdev/roxy/internal/flow"
)

// h3Client lazily constructs an http3.RoundTripper, since each instance
// owns a UDP socket and QUIC transport state that is wasteful to set up
// unless a client actually negotiates HTTP/3.
type h3Client struct {
	mu  sync.Mutex
	rt  *http3.Transport
	tls *tls.Config
}

func newH3Client(rootCAs *tls.Config) *h3Client {
	return &h3Client{tls: rootCAs}
}

func (c *h3Client) transport() *http3.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt == nil {
		c.rt = &http3.Transport{TLSClientConfig: c.tls}
	}
	return c.rt
}

func (c *Client) doH3(ctx context.Context, req *flow.InterceptedRequest) (*Result, error) {
	if c.h3Client == nil {
		c.h3Client = newH3Client(&tls.Config{RootCAs: c.opts.RootCAs, NextProtos: []string{"h3"}})
	}

	httpReq, err := newHTTPRequest(ctx, req)
	if err != nil {
		return nil, wrapErr(ErrURI, err)
	}

	resp, err := c.h3Client.transport().RoundTrip(httpReq)
	if err != nil {
		return nil, wrapErr(ErrHyper, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapErr(ErrIO, err)
	}

	headers := flow.NewHeaderList()
	for name, values := range resp.Header {
		for _, v := range values {
			headers.Add(name, v)
		}
	}

	return &Result{
		Status:  resp.StatusCode,
		Version: flow.Version3_0,
		Headers: headers,
		Body:    body,
	}, nil
}
