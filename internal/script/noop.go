package script

import (
	"context"

	"github.com/fergdev/roxy/internal/flow"
)

// Noop is the passthrough engine installed before any script is loaded:
// it leaves requests and responses untouched.
type Noop struct{}

// NewNoop constructs a Noop engine.
func NewNoop() *Noop { return &Noop{} }

func (n *Noop) InterceptRequest(context.Context, *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	return nil, nil
}

func (n *Noop) InterceptResponse(context.Context, *flow.InterceptedRequest, *flow.InterceptedResponse) error {
	return nil
}

func (n *Noop) SetScript(context.Context, string) error { return nil }

func (n *Noop) Stop(context.Context) error { return nil }
