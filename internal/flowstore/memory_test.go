package flowstore

import (
	"context"
	"testing"
	"time"
)

func TestMemory_NewHTTPFlow_StrictlyIncreasingIDs(t *testing.T) {
	m := NewMemory(100)
	defer m.Close()

	a := m.NewHTTPFlow("a.example.com", "127.0.0.1:1")
	b := m.NewHTTPFlow("b.example.com", "127.0.0.1:2")

	if b.ID <= a.ID {
		t.Errorf("expected strictly increasing flow IDs, got %d then %d", a.ID, b.ID)
	}
}

func TestMemory_GetAndOrderedIDs(t *testing.T) {
	m := NewMemory(100)
	defer m.Close()

	fl := m.NewHTTPFlow("example.com", "127.0.0.1:1")

	got, ok := m.Get(fl.ID)
	if !ok {
		t.Fatalf("Get(%d) reported not found", fl.ID)
	}
	if got.ID != fl.ID || got.Host != fl.Host {
		t.Errorf("Get(%d) returned a different flow: %+v", fl.ID, got)
	}

	ids := m.OrderedIDs()
	if len(ids) != 1 || ids[0] != fl.ID {
		t.Errorf("OrderedIDs() = %v, want [%d]", ids, fl.ID)
	}
}

func TestMemory_RingBufferEviction(t *testing.T) {
	m := NewMemory(2)
	defer m.Close()

	first := m.NewHTTPFlow("one.example.com", "c")
	m.NewHTTPFlow("two.example.com", "c")
	m.NewHTTPFlow("three.example.com", "c")

	if _, ok := m.Get(first.ID); ok {
		t.Error("expected the oldest flow to be evicted once the ring buffer overflowed")
	}
	if len(m.OrderedIDs()) != 2 {
		t.Errorf("expected bound of 2 flows, got %d", len(m.OrderedIDs()))
	}
}

func TestMemory_SubscribeReceivesNotification(t *testing.T) {
	m := NewMemory(100)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	fl := m.NewHTTPFlow("example.com", "c")

	select {
	case n := <-ch:
		if n.FlowID != fl.ID {
			t.Errorf("notification for flow %d, want %d", n.FlowID, fl.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribe notification")
	}
}

func TestMemory_SlowSubscriberIsDetachedNotBlocking(t *testing.T) {
	m := NewMemory(100)
	defer m.Close()

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	// Never drain ch; flood past its buffer and confirm producers never
	// block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			m.NewHTTPFlow("flood.example.com", "c")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked on a slow subscriber")
	}

	_, stillOpen := <-ch
	_ = stillOpen // the channel may or may not have been closed yet; no panic is the assertion
}

func TestMemory_PostEventNeverBlocks(t *testing.T) {
	m := NewMemory(10)
	defer m.Close()

	fl := m.NewHTTPFlow("example.com", "c")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.PostEvent(context.Background(), fl, EventTimingUpdated)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PostEvent blocked")
	}
}
