package flowstore

import (
	"context"
	"sync"

	"github.com/fergdev/roxy/internal/flow"
)

// Memory is the in-memory Flow Store: a ring-buffer-bounded flow table
// plus a broadcast hub generalized from a websocket connection hub into
// a plain-channel subscribe contract usable by any transport.
type Memory struct {
	maxFlows int

	mu      sync.RWMutex
	flows   map[uint64]*flow.Flow
	order   []uint64 // ring buffer of ids, oldest first

	subMu       sync.Mutex
	subscribers map[chan Notification]struct{}
	broadcast   chan Notification

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewMemory creates an in-memory store bounded to maxFlows.
func NewMemory(maxFlows int) *Memory {
	if maxFlows <= 0 {
		maxFlows = 10000
	}
	m := &Memory{
		maxFlows:    maxFlows,
		flows:       make(map[uint64]*flow.Flow),
		subscribers: make(map[chan Notification]struct{}),
		broadcast:   make(chan Notification, 256),
		closeCh:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Memory) run() {
	for {
		select {
		case <-m.closeCh:
			m.subMu.Lock()
			for ch := range m.subscribers {
				close(ch)
				delete(m.subscribers, ch)
			}
			m.subMu.Unlock()
			return
		case n := <-m.broadcast:
			m.subMu.Lock()
			var toRemove []chan Notification
			for ch := range m.subscribers {
				select {
				case ch <- n:
				default:
					toRemove = append(toRemove, ch)
				}
			}
			for _, ch := range toRemove {
				if _, ok := m.subscribers[ch]; ok {
					delete(m.subscribers, ch)
					close(ch)
				}
			}
			m.subMu.Unlock()
		}
	}
}

func (m *Memory) register(fl *flow.Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flows[fl.ID] = fl
	m.order = append(m.order, fl.ID)

	if len(m.order) > m.maxFlows {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.flows, evict)
	}
}

// NewHTTPFlow creates, registers, and announces a new HTTP flow.
func (m *Memory) NewHTTPFlow(host, client string) *flow.Flow {
	fl := flow.NewHTTPFlow(host, client)
	m.register(fl)
	m.PostEvent(context.Background(), fl, EventFlowCreated)
	return fl
}

// NewWSFlow creates, registers, and announces a new WebSocket flow.
func (m *Memory) NewWSFlow(host, client string) *flow.Flow {
	fl := flow.NewWSFlow(host, client)
	m.register(fl)
	m.PostEvent(context.Background(), fl, EventFlowCreated)
	return fl
}

// PostEvent enqueues a change notification. Never blocks the caller:
// producers (connection goroutines) must not stall on slow subscribers.
func (m *Memory) PostEvent(_ context.Context, fl *flow.Flow, kind EventKind) {
	select {
	case m.broadcast <- Notification{FlowID: fl.ID, Kind: kind}:
	default:
		// Broadcast channel itself is saturated; the per-subscriber
		// drop logic in run() is the real backpressure valve, so this
		// is a rare double-buffered overflow — drop silently rather
		// than block the flow's own goroutine.
	}
}

// Get returns a point-in-time copy of the flow with id, race-free
// against the pipeline/script goroutine still mutating the live flow.
func (m *Memory) Get(id uint64) (flow.Flow, bool) {
	m.mu.RLock()
	fl, ok := m.flows[id]
	m.mu.RUnlock()
	if !ok {
		return flow.Flow{}, false
	}
	return fl.Snapshot(), true
}

// OrderedIDs returns all known flow IDs oldest-first.
func (m *Memory) OrderedIDs() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint64(nil), m.order...)
}

// Subscribe registers a new coalescing notification channel.
func (m *Memory) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 256)

	m.subMu.Lock()
	m.subscribers[ch] = struct{}{}
	m.subMu.Unlock()

	unsubscribe := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subscribers[ch]; ok {
			delete(m.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Close stops the broadcast loop and closes all subscriber channels.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}
