// Package py backs the scripting ABI with go.starlark.net, a Go-native
// implementation of Starlark, Bazel's Python dialect. It stands in for a
// full CPython embedding (not available pure-Go in the examples pack)
// while keeping script authors in Python-like syntax: def, dict/list
// literals, no classes required for the request/response objects, which
// are passed as plain dicts.
package py

import (
	"context"
	"fmt"
	"sync"

	"go.starlark.net/starlark"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/script"
)

func init() {
	script.Register(script.LanguagePython, New)
}

// Engine is a starlark-backed script.Engine.
type Engine struct {
	mu         sync.Mutex
	thread     *starlark.Thread
	globals    starlark.StringDict
	onRequest  *starlark.Function
	onResponse *starlark.Function
	notify     chan<- script.Notification
}

// New constructs a fresh starlark engine.
func New(notifyCh chan<- script.Notification) script.Engine {
	return &Engine{notify: notifyCh}
}

func (e *Engine) SetScript(_ context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	thread := &starlark.Thread{
		Name: "roxy-script",
		Print: func(_ *starlark.Thread, msg string) {
			script.Notify(e.notify, script.NotifyInfo, msg)
		},
	}

	predeclared := starlark.StringDict{
		"notify": starlark.NewBuiltin("notify", e.starlarkNotify),
	}

	globals, err := starlark.ExecFile(thread, "script.star", source, predeclared)
	if err != nil {
		return fmt.Errorf("py: %w", err)
	}

	e.thread = thread
	e.globals = globals
	e.onRequest, _ = globals["on_request"].(*starlark.Function)
	e.onResponse, _ = globals["on_response"].(*starlark.Function)
	return nil
}

func (e *Engine) starlarkNotify(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	level := script.NotifyInfo
	msg := ""
	switch len(args) {
	case 1:
		msg = starlarkString(args[0])
	case 2:
		level = script.LevelFromInt(int(starlarkInt(args[0])))
		msg = starlarkString(args[1])
	}
	script.Notify(e.notify, level, msg)
	return starlark.None, nil
}

func starlarkString(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}

func starlarkInt(v starlark.Value) int64 {
	if i, ok := v.(starlark.Int); ok {
		n, _ := i.Int64()
		return n
	}
	return 0
}

func headersToDict(h *flow.HeaderList) *starlark.Dict {
	d := starlark.NewDict(8)
	if h == nil {
		return d
	}
	for name, vals := range h.ToMap() {
		list := make([]starlark.Value, len(vals))
		for i, v := range vals {
			list[i] = starlark.String(v)
		}
		_ = d.SetKey(starlark.String(name), starlark.NewList(list))
	}
	return d
}

func dictToHeaders(v starlark.Value) *flow.HeaderList {
	h := flow.NewHeaderList()
	d, ok := v.(*starlark.Dict)
	if !ok {
		return h
	}
	for _, item := range d.Items() {
		name := starlarkString(item[0])
		switch vv := item[1].(type) {
		case *starlark.List:
			iter := vv.Iterate()
			defer iter.Done()
			var x starlark.Value
			for iter.Next(&x) {
				h.Add(name, starlarkString(x))
			}
		default:
			h.Add(name, starlarkString(vv))
		}
	}
	return h
}

func requestToDict(req *flow.InterceptedRequest) *starlark.Dict {
	d := starlark.NewDict(8)
	_ = d.SetKey(starlark.String("method"), starlark.String(req.Method))
	_ = d.SetKey(starlark.String("uri"), starlark.String(req.URI))
	_ = d.SetKey(starlark.String("version"), starlark.String(req.Version))
	_ = d.SetKey(starlark.String("headers"), headersToDict(req.Headers))
	_ = d.SetKey(starlark.String("body"), starlark.String(req.Body))
	return d
}

func applyDictToRequest(d *starlark.Dict, req *flow.InterceptedRequest) {
	if v, ok, _ := d.Get(starlark.String("method")); ok {
		req.Method = flow.Method(starlarkString(v))
	}
	if v, ok, _ := d.Get(starlark.String("uri")); ok {
		req.URI = starlarkString(v)
	}
	if v, ok, _ := d.Get(starlark.String("headers")); ok {
		req.Headers = dictToHeaders(v)
	}
	if v, ok, _ := d.Get(starlark.String("body")); ok {
		req.Body = []byte(starlarkString(v))
	}
}

func responseToDict(resp *flow.InterceptedResponse) starlark.Value {
	if resp == nil {
		return starlark.None
	}
	d := starlark.NewDict(8)
	_ = d.SetKey(starlark.String("status"), starlark.MakeInt(resp.Status))
	_ = d.SetKey(starlark.String("version"), starlark.String(resp.Version))
	_ = d.SetKey(starlark.String("headers"), headersToDict(resp.Headers))
	_ = d.SetKey(starlark.String("body"), starlark.String(resp.Body))
	return d
}

func dictToResponse(v starlark.Value) *flow.InterceptedResponse {
	d, ok := v.(*starlark.Dict)
	if !ok {
		return nil
	}
	resp := &flow.InterceptedResponse{}
	if s, ok, _ := d.Get(starlark.String("status")); ok {
		resp.Status = int(starlarkInt(s))
	}
	if ver, ok, _ := d.Get(starlark.String("version")); ok {
		resp.Version = flow.Version(starlarkString(ver))
	}
	if hv, ok, _ := d.Get(starlark.String("headers")); ok {
		resp.Headers = dictToHeaders(hv)
	}
	if bv, ok, _ := d.Get(starlark.String("body")); ok {
		resp.Body = []byte(starlarkString(bv))
	}
	return resp
}

func (e *Engine) InterceptRequest(_ context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onRequest == nil {
		return nil, nil
	}

	reqDict := requestToDict(req)
	ret, err := starlark.Call(e.thread, e.onRequest, starlark.Tuple{reqDict}, nil)
	if err != nil {
		return nil, fmt.Errorf("py: on_request: %w", err)
	}

	applyDictToRequest(reqDict, req)

	resp := dictToResponse(ret)
	if resp != nil && !resp.IsMeaningful() {
		resp = nil
	}
	return resp, nil
}

func (e *Engine) InterceptResponse(_ context.Context, req *flow.InterceptedRequest, resp *flow.InterceptedResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onResponse == nil {
		return nil
	}

	reqDict := requestToDict(req)
	respVal := responseToDict(resp)
	_, err := starlark.Call(e.thread, e.onResponse, starlark.Tuple{reqDict, respVal}, nil)
	if err != nil {
		return fmt.Errorf("py: on_response: %w", err)
	}

	if updated := dictToResponse(respVal); updated != nil {
		*resp = *updated
	}
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thread = nil
	e.globals = nil
	e.onRequest = nil
	e.onResponse = nil
	return nil
}
