// Package flow defines the data model shared by every intercepted
// connection: HTTP flows, WebSocket flows, their headers, bodies, timing,
// and the event stream a Flow Store hands to subscribers.
package flow

import (
	"crypto/x509"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes HTTP request/response flows from WebSocket flows.
type Kind int

const (
	KindHTTP Kind = iota
	KindWebSocket
)

func (k Kind) String() string {
	if k == KindWebSocket {
		return "websocket"
	}
	return "http"
}

// State is the flow lifecycle state machine from creation to close.
type State int

const (
	StateCreated State = iota
	StateRequestReceived
	StateRequestIntercepted
	StateResponseReceived
	StateShortCircuited
	StateResponseIntercepted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRequestReceived:
		return "request_received"
	case StateRequestIntercepted:
		return "request_intercepted"
	case StateResponseReceived:
		return "response_received"
	case StateShortCircuited:
		return "short_circuited"
	case StateResponseIntercepted:
		return "response_intercepted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var idCounter atomic.Uint64

// NextID returns a strictly increasing, process-unique flow identifier.
// Callers that need cross-instance uniqueness (the Redis-backed store)
// replace this with a shared counter instead.
func NextID() uint64 {
	return idCounter.Add(1)
}

// Flow is the root record for one intercepted connection: one request/
// response pair for HTTP, or one upgraded connection for WebSocket.
type Flow struct {
	mu sync.Mutex

	ID      uint64
	TraceID string // opaque, script/UI-visible secondary identifier
	Kind    Kind
	State   State

	Host   string
	Client string // client-facing remote address

	Request  *InterceptedRequest
	Response *InterceptedResponse

	// TLSChain is the origin's certificate chain observed during the
	// upstream TLS handshake, nil for plaintext origins.
	TLSChain []*x509.Certificate

	// WSMessages accumulates frames for Kind == KindWebSocket flows.
	WSMessages []WSMessage

	Timing Timing

	Error *FlowError
}

// FlowError records the taxonomy kind and message of a failed flow.
type FlowError struct {
	Kind    ErrorKind
	Message string
}

// NewHTTPFlow creates a flow in StateCreated for an HTTP request about to
// be read from the client.
func NewHTTPFlow(host, client string) *Flow {
	return &Flow{
		ID:      NextID(),
		TraceID: uuid.NewString(),
		Kind:    KindHTTP,
		State:   StateCreated,
		Host:    host,
		Client:  client,
	}
}

// NewWSFlow creates a flow in StateCreated for an upgraded WebSocket
// connection.
func NewWSFlow(host, client string) *Flow {
	return &Flow{
		ID:      NextID(),
		TraceID: uuid.NewString(),
		Kind:    KindWebSocket,
		State:   StateCreated,
		Host:    host,
		Client:  client,
	}
}

// SetState transitions the flow under its mutex. Callers are expected to
// only move forward through the state machine; SetState does not itself
// validate the transition (the pipeline and mitm handler own the state
// machine, this is just the guarded setter).
func (f *Flow) SetState(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = s
}

func (f *Flow) GetState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State
}

func (f *Flow) SetRequest(r *InterceptedRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Request = r
}

func (f *Flow) SetResponse(r *InterceptedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Response = r
}

func (f *Flow) SetError(kind ErrorKind, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Error = &FlowError{Kind: kind, Message: msg}
}

// SetTLSChain records the origin's certificate chain observed during
// the upstream handshake. A no-op if chain is empty, since plaintext
// origins never call it.
func (f *Flow) SetTLSChain(chain []*x509.Certificate) {
	if len(chain) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TLSChain = chain
}

func (f *Flow) AppendWSMessage(m WSMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WSMessages = append(f.WSMessages, m)
}

// Snapshot returns a value copy of the flow safe to hand to a
// subscriber/exporter without racing the connection goroutine.
func (f *Flow) Snapshot() Flow {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f
	cp.mu = sync.Mutex{}
	if f.Request != nil {
		r := *f.Request
		cp.Request = &r
	}
	if f.Response != nil {
		r := *f.Response
		cp.Response = &r
	}
	cp.WSMessages = append([]WSMessage(nil), f.WSMessages...)
	return cp
}

// WSMessage is one WebSocket frame observed in either direction.
type WSMessage struct {
	Direction WSDirection
	Opcode    int
	Payload   []byte
	At        time.Time
}

type WSDirection int

const (
	WSClientToServer WSDirection = iota
	WSServerToClient
)
