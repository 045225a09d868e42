package lua

import (
	"context"
	"testing"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/script"
)

func TestEngine_InterceptRequest_MutatesHeaders(t *testing.T) {
	eng := New(make(chan script.Notification, 1))

	src := `
	function onRequest(req)
		req.headers["X-Injected"] = {"yes"}
		return nil
	end
	`
	if err := eng.SetScript(context.Background(), src); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	req := &flow.InterceptedRequest{
		Method:  flow.MethodGET,
		URI:     "https://example.com/",
		Headers: flow.NewHeaderList(),
	}
	resp, err := eng.InterceptRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("InterceptRequest: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected no short-circuit, got %+v", resp)
	}
	if got := req.Headers.Get("X-Injected"); got != "yes" {
		t.Errorf("X-Injected = %q", got)
	}
}

func TestEngine_InterceptResponse_RewritesStatus(t *testing.T) {
	eng := New(make(chan script.Notification, 1))

	src := `
	function onResponse(req, resp)
		resp.status = 404
	end
	`
	if err := eng.SetScript(context.Background(), src); err != nil {
		t.Fatalf("SetScript: %v", err)
	}

	req := &flow.InterceptedRequest{Headers: flow.NewHeaderList()}
	resp := &flow.InterceptedResponse{Status: 200, Headers: flow.NewHeaderList()}
	if err := eng.InterceptResponse(context.Background(), req, resp); err != nil {
		t.Fatalf("InterceptResponse: %v", err)
	}
	if resp.Status != 404 {
		t.Errorf("status = %d, want 404", resp.Status)
	}
}
