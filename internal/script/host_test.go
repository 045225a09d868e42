package script

import (
	"context"
	"testing"
	"time"

	"github.com/fergdev/roxy/internal/flow"
)

type stubEngine struct {
	delay time.Duration
}

func (s *stubEngine) InterceptRequest(ctx context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	req.Headers.Set("X-Stub", "1")
	return nil, nil
}

func (s *stubEngine) InterceptResponse(context.Context, *flow.InterceptedRequest, *flow.InterceptedResponse) error {
	return nil
}

func (s *stubEngine) SetScript(context.Context, string) error { return nil }
func (s *stubEngine) Stop(context.Context) error               { return nil }

func TestHost_DefaultsToNoop(t *testing.T) {
	h := NewHost(0, nil)
	req := &flow.InterceptedRequest{Headers: flow.NewHeaderList()}
	resp, err := h.InterceptRequest(context.Background(), req)
	if err != nil || resp != nil {
		t.Fatalf("expected noop passthrough, got resp=%v err=%v", resp, err)
	}
}

func TestHost_SetScriptUnknownLanguage(t *testing.T) {
	h := NewHost(0, nil)
	if err := h.SetScript(context.Background(), Language("cobol"), ""); err == nil {
		t.Fatal("expected an error for an unregistered language")
	}
}

func TestHost_InterceptRequestTimesOut(t *testing.T) {
	h := NewHost(10*time.Millisecond, nil)
	Register("stub-slow", func(chan<- Notification) Engine { return &stubEngine{delay: time.Second} })

	if err := h.SetScript(context.Background(), "stub-slow", ""); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	req := &flow.InterceptedRequest{Headers: flow.NewHeaderList()}
	_, err := h.InterceptRequest(context.Background(), req)
	if err != ErrScriptTimeout {
		t.Fatalf("expected ErrScriptTimeout, got %v", err)
	}
}

func TestHost_InterceptRequestMutatesHeaders(t *testing.T) {
	h := NewHost(time.Second, nil)
	Register("stub-fast", func(chan<- Notification) Engine { return &stubEngine{} })

	if err := h.SetScript(context.Background(), "stub-fast", ""); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	req := &flow.InterceptedRequest{Headers: flow.NewHeaderList()}
	if _, err := h.InterceptRequest(context.Background(), req); err != nil {
		t.Fatalf("InterceptRequest: %v", err)
	}
	if req.Headers.Get("X-Stub") != "1" {
		t.Error("expected the engine's header mutation to be visible to the caller")
	}
}
