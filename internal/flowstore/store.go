// Package flowstore implements the Flow Store: flow creation, event
// posting, retrieval, and a coalescing subscribe stream for external
// collaborators (UI, export tooling, durable persistence).
package flowstore

import (
	"context"

	"github.com/fergdev/roxy/internal/flow"
)

// EventKind enumerates what changed about a flow for a Notification.
type EventKind int

const (
	EventFlowCreated EventKind = iota
	EventRequestReceived
	EventRequestIntercepted
	EventShortCircuited
	EventResponseReceived
	EventResponseIntercepted
	EventWSMessage
	EventTimingUpdated
	EventFlowClosed
	EventFlowFailed
	EventFlowError
)

// Notification is posted to subscribers on every observable flow change.
// Subscribers re-read flow state via Get after receiving one; the
// notification itself carries no payload beyond identifying the flow.
type Notification struct {
	FlowID uint64
	Kind   EventKind
}

// Store is the Flow Store contract every backend (Memory, SQLite,
// Redis) implements. Callers (pipeline, mitm, wsproxy) depend only on
// this interface.
type Store interface {
	// NewHTTPFlow creates and registers a new HTTP flow.
	NewHTTPFlow(host, client string) *flow.Flow
	// NewWSFlow creates and registers a new WebSocket flow.
	NewWSFlow(host, client string) *flow.Flow
	// PostEvent notifies subscribers that fl changed in kind.
	PostEvent(ctx context.Context, fl *flow.Flow, kind EventKind)
	// Get returns a point-in-time copy of the flow with the given ID,
	// safe to read without racing the connection goroutine that owns
	// the live flow. The bool reports whether id was known.
	Get(id uint64) (flow.Flow, bool)
	// OrderedIDs returns all known flow IDs oldest-first.
	OrderedIDs() []uint64
	// Subscribe returns a channel of coalescing change notifications.
	// The channel is closed when unsubscribe is called or the store is
	// closed.
	Subscribe() (ch <-chan Notification, unsubscribe func())
	// Close releases background resources.
	Close() error
}
