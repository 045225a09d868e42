// Package pipeline implements the per-request HTTP intercept pipeline:
// buffer, intercept, dispatch, intercept, serialize. It is transport
// agnostic — the same Handle call backs both the plain-HTTP listener and
// the post-TLS-handshake MITM loop — by writing its result through a
// ResponseWriter the caller supplies instead of touching a net.Conn
// directly. Grounded on the teacher's handleHTTP/handleTLSRequest, split
// so the request/response/intercept sequencing is shared instead of
// duplicated per transport.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/flowstore"
	"github.com/fergdev/roxy/internal/metrics"
	"github.com/fergdev/roxy/internal/script"
	"github.com/fergdev/roxy/internal/upstream"
)

// ResponseWriter is how Handle delivers the final response to the
// client connection, independent of whether the caller is net/http's
// ResponseWriter or a raw net.Conn inside an established TLS tunnel.
//
// WebSocket upgrades never reach Handle: the caller detects the
// Upgrade/Connection headers before building the request and hands the
// connection to wsproxy directly, since a WS handshake needs the raw
// conn rather than a buffered response write.
type ResponseWriter interface {
	WriteResponse(resp *flow.InterceptedResponse) error
}

// Deps bundles the collaborators Handle needs. Held by value per call so
// callers can vary Upstream per-request (e.g. a parent-proxy override)
// without mutating shared state.
type Deps struct {
	Store        flowstore.Store
	ScriptHost   *script.Host
	Upstream     *upstream.Client
	Logger       *slog.Logger
	MaxBodyBytes int
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// ConnTiming carries connection-level instants the caller already
// observed before invoking Handle. A flow is created per request while
// accept/client-TLS-handshake happen once per underlying connection, so
// Handle can't time them itself; a zero field means "unknown" (e.g. a
// later keep-alive request reusing an already-established connection)
// and is left unset on the flow rather than recorded as a real zero time.
type ConnTiming struct {
	Established  time.Time
	TLSHandshake time.Time
}

func (ct ConnTiming) stamp(fl *flow.Flow) {
	if !ct.Established.IsZero() {
		fl.Timing.Set(flow.TimingClientConnEstablished, ct.Established)
	}
	if !ct.TLSHandshake.IsZero() {
		fl.Timing.Set(flow.TimingClientTLSHandshake, ct.TLSHandshake)
	}
}

// Handle runs spec steps 1-9 for a single request: create the flow,
// intercept the request (mutate / short-circuit / error-and-proceed),
// dispatch to the upstream unless short-circuited, intercept the
// response, and write it back through w. Client disconnect propagates to
// the upstream call via ctx cancellation.
func Handle(ctx context.Context, deps Deps, host, clientAddr string, req *flow.InterceptedRequest, w ResponseWriter, connTiming ConnTiming) error {
	fl := deps.Store.NewHTTPFlow(host, clientAddr)
	connTiming.stamp(fl)
	fl.Timing.Set(flow.TimingFirstRequestByte, time.Now())
	metrics.RecordFlowCreated("http")
	defer metrics.RecordFlowClosed()

	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	if len(req.Body) > maxBody {
		fl.SetError(flow.ErrorBodyTooLarge, "request body exceeds configured maximum")
		deps.Store.PostEvent(ctx, fl, flowstore.EventFlowFailed)
		return w.WriteResponse(&flow.InterceptedResponse{
			Status:  flow.ErrorBodyTooLarge.ClientStatus(),
			Version: req.Version,
			Headers: flow.NewHeaderList(),
		})
	}

	fl.SetRequest(req)
	fl.SetState(flow.StateRequestReceived)
	fl.Timing.Set(flow.TimingRequestComplete, time.Now())
	deps.Store.PostEvent(ctx, fl, flowstore.EventRequestReceived)

	hookStart := time.Now()
	shortCircuit, err := deps.ScriptHost.InterceptRequest(ctx, req)
	metrics.RecordScriptHookDuration("request", time.Since(hookStart))
	fl.Timing.Set(flow.TimingRequestIntercepted, time.Now())
	if err != nil {
		deps.logger().Warn("request interceptor failed; proceeding unmodified", "flow_id", fl.ID, "error", err)
		if errors.Is(err, script.ErrScriptTimeout) {
			fl.SetError(flow.ErrorScriptTimeout, err.Error())
			metrics.RecordScriptTimeout()
		} else {
			fl.SetError(flow.ErrorScript, err.Error())
		}
	}
	fl.SetState(flow.StateRequestIntercepted)
	deps.Store.PostEvent(ctx, fl, flowstore.EventRequestIntercepted)

	var resp *flow.InterceptedResponse
	if shortCircuit != nil {
		resp = shortCircuit
		fl.SetState(flow.StateShortCircuited)
		deps.Store.PostEvent(ctx, fl, flowstore.EventShortCircuited)
	} else {
		trace := &upstream.Trace{
			ConnInitiated: func(t time.Time) { fl.Timing.Set(flow.TimingServerConnInitiated, t) },
			TCPHandshake:  func(t time.Time) { fl.Timing.Set(flow.TimingServerTCPHandshake, t) },
			TLSHandshake:  func(t time.Time) { fl.Timing.Set(flow.TimingServerTLSHandshake, t) },
		}
		result, dispatchErr := deps.Upstream.Do(ctx, req, trace)
		if dispatchErr != nil {
			kind := classifyUpstreamErr(dispatchErr)
			fl.SetError(kind, dispatchErr.Error())
			deps.Store.PostEvent(ctx, fl, flowstore.EventFlowFailed)
			metrics.RecordUpstreamError(kind.String())
			status := kind.ClientStatus()
			if status == 0 {
				status = 502
			}
			return w.WriteResponse(&flow.InterceptedResponse{
				Status:  status,
				Version: req.Version,
				Headers: flow.NewHeaderList(),
			})
		}
		fl.Timing.Set(flow.TimingFirstResponseByte, time.Now())
		fl.SetTLSChain(result.TLSChain)

		resp = &flow.InterceptedResponse{
			Status:   result.Status,
			Version:  result.Version,
			Headers:  result.Headers,
			Trailers: result.Trailers,
			Body:     result.Body,
		}
		fl.SetState(flow.StateResponseReceived)
		fl.Timing.Set(flow.TimingResponseComplete, time.Now())
		deps.Store.PostEvent(ctx, fl, flowstore.EventResponseReceived)
	}

	hookStart = time.Now()
	err = deps.ScriptHost.InterceptResponse(ctx, req, resp)
	metrics.RecordScriptHookDuration("response", time.Since(hookStart))
	if err != nil {
		deps.logger().Warn("response interceptor failed; proceeding unmodified", "flow_id", fl.ID, "error", err)
		if errors.Is(err, script.ErrScriptTimeout) {
			fl.SetError(flow.ErrorScriptTimeout, err.Error())
			metrics.RecordScriptTimeout()
		} else {
			fl.SetError(flow.ErrorScript, err.Error())
		}
	}
	fl.SetResponse(resp)
	fl.SetState(flow.StateResponseIntercepted)
	fl.Timing.Set(flow.TimingResponseIntercepted, time.Now())
	deps.Store.PostEvent(ctx, fl, flowstore.EventResponseIntercepted)
	metrics.RecordResponseStatus(resp.Status)

	writeErr := w.WriteResponse(resp)

	fl.SetState(flow.StateClosed)
	fl.Timing.Set(flow.TimingClientConnClosed, time.Now())
	deps.Store.PostEvent(ctx, fl, flowstore.EventFlowClosed)

	if writeErr != nil {
		return fmt.Errorf("pipeline: writing response to client: %w", writeErr)
	}
	return nil
}

func classifyUpstreamErr(err error) flow.ErrorKind {
	var uerr *upstream.Error
	if !errors.As(err, &uerr) {
		return flow.ErrorIO
	}
	switch uerr.Kind {
	case upstream.ErrTLS:
		return flow.ErrorTLS
	case upstream.ErrALPN:
		return flow.ErrorALPN
	case upstream.ErrHyper, upstream.ErrHyperUpgrade:
		return flow.ErrorHyper
	case upstream.ErrHTTP:
		return flow.ErrorHTTP
	case upstream.ErrTimeout:
		return flow.ErrorTimeout
	case upstream.ErrProxyConnect:
		return flow.ErrorProxyConnect
	case upstream.ErrInvalidDNSName:
		return flow.ErrorInvalidDNSName
	case upstream.ErrBadHost:
		return flow.ErrorBadHost
	default:
		return flow.ErrorIO
	}
}
