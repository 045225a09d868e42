// Package js backs the scripting ABI with github.com/dop251/goja, a
// pure-Go ECMAScript runtime. Request and response objects are passed to
// script callbacks as plain JS objects; headers are exposed as
// name->[]string maps rather than a custom class, since goja marshals
// Go maps/slices into native JS objects/arrays for free.
package js

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/script"
	"github.com/fergdev/roxy/internal/script/urlobj"
)

func init() {
	script.Register(script.LanguageJavaScript, New)
}

// Engine is a goja-backed script.Engine. Every hook invocation serializes
// on a mutex: goja's *Runtime is not safe for concurrent use, and
// original_source's single-threaded V8 isolate per interceptor has the
// same constraint.
type Engine struct {
	mu     sync.Mutex
	rt     *goja.Runtime
	notify chan<- script.Notification

	onRequest  goja.Callable
	onResponse goja.Callable
}

// New constructs a goja engine that reports notify()/console.* calls on
// notifyCh.
func New(notifyCh chan<- script.Notification) script.Engine {
	return &Engine{notify: notifyCh}
}

func (e *Engine) SetScript(_ context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := rt.NewObject()
	_ = console.Set("log", e.makeLogFunc(script.NotifyInfo))
	_ = console.Set("warn", e.makeLogFunc(script.NotifyWarn))
	_ = console.Set("error", e.makeLogFunc(script.NotifyError))
	_ = console.Set("debug", e.makeLogFunc(script.NotifyDebug))
	_ = rt.Set("console", console)

	_ = rt.Set("URL", newURLConstructor(rt))

	_ = rt.Set("notify", func(call goja.FunctionCall) goja.Value {
		level := script.NotifyInfo
		msg := ""
		args := call.Arguments
		if len(args) == 1 {
			msg = args[0].String()
		} else if len(args) >= 2 {
			level = script.LevelFromInt(int(args[0].ToInteger()))
			msg = args[1].String()
		}
		script.Notify(e.notify, level, msg)
		return goja.Undefined()
	})

	if _, err := rt.RunString(source); err != nil {
		return fmt.Errorf("js: %w", err)
	}

	var onReq, onResp goja.Callable
	if v := rt.Get("onRequest"); v != nil {
		if fn, ok := goja.AssertFunction(v); ok {
			onReq = fn
		}
	}
	if v := rt.Get("onResponse"); v != nil {
		if fn, ok := goja.AssertFunction(v); ok {
			onResp = fn
		}
	}

	e.rt = rt
	e.onRequest = onReq
	e.onResponse = onResp
	return nil
}

// newURLConstructor exposes urlobj.URL to scripts as a WHATWG-flavored
// `new URL(href)`. href, protocol, host, hostname, port, pathname,
// search, hash and searchParams are read-only accessor properties on the
// new object; there are no setters, so assigning to them has no effect.
// searchParams returns a urlobj.URLSearchParams view whose methods come
// out lowerCamelCase (get, getAll, has, set, append, delete, keys,
// string) via the runtime's json-tag field mapper.
func newURLConstructor(rt *goja.Runtime) func(goja.ConstructorCall) *goja.Object {
	return func(call goja.ConstructorCall) *goja.Object {
		raw := ""
		if len(call.Arguments) > 0 {
			raw = call.Arguments[0].String()
		}
		u, err := urlobj.Parse(raw)
		if err != nil {
			panic(rt.NewGoError(fmt.Errorf("invalid URL %q: %w", raw, err)))
		}
		obj := call.This
		getters := []struct {
			name string
			get  any
		}{
			{"href", u.Href}, {"protocol", u.Protocol}, {"host", u.Host},
			{"hostname", u.Hostname}, {"port", u.Port}, {"pathname", u.Pathname},
			{"search", u.Search}, {"hash", u.Hash}, {"searchParams", u.SearchParams},
		}
		for _, g := range getters {
			_ = obj.DefineAccessorProperty(g.name, rt.ToValue(g.get), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
		}
		return obj
	}
}

func (e *Engine) makeLogFunc(level script.NotifyLevel) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		script.Notify(e.notify, level, fmt.Sprint(parts...))
		return goja.Undefined()
	}
}

func requestToJS(req *flow.InterceptedRequest) map[string]any {
	return map[string]any{
		"method":   string(req.Method),
		"uri":      req.URI,
		"version":  string(req.Version),
		"headers":  headersToJS(req.Headers),
		"body":     req.Body,
	}
}

func responseToJS(resp *flow.InterceptedResponse) map[string]any {
	if resp == nil {
		return nil
	}
	return map[string]any{
		"status":  resp.Status,
		"version": string(resp.Version),
		"headers": headersToJS(resp.Headers),
		"body":    resp.Body,
	}
}

func headersToJS(h *flow.HeaderList) map[string][]string {
	if h == nil {
		return map[string][]string{}
	}
	return h.ToMap()
}

func applyJSRequest(obj map[string]any, req *flow.InterceptedRequest) {
	if v, ok := obj["method"].(string); ok {
		req.Method = flow.Method(v)
	}
	if v, ok := obj["uri"].(string); ok {
		req.URI = v
	}
	if hv, ok := obj["headers"]; ok {
		req.Headers = jsHeadersToHeaderList(hv)
	}
	if bv, ok := obj["body"]; ok {
		req.Body = toBytes(bv)
	}
}

func jsResponseFromJS(v goja.Value) *flow.InterceptedResponse {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	obj, ok := v.Export().(map[string]any)
	if !ok {
		return nil
	}
	resp := &flow.InterceptedResponse{}
	if s, ok := obj["status"].(int64); ok {
		resp.Status = int(s)
	} else if s, ok := obj["status"].(float64); ok {
		resp.Status = int(s)
	}
	if ver, ok := obj["version"].(string); ok {
		resp.Version = flow.Version(ver)
	}
	if hv, ok := obj["headers"]; ok {
		resp.Headers = jsHeadersToHeaderList(hv)
	}
	if bv, ok := obj["body"]; ok {
		resp.Body = toBytes(bv)
	}
	return resp
}

func jsHeadersToHeaderList(v any) *flow.HeaderList {
	h := flow.NewHeaderList()
	m, ok := v.(map[string]any)
	if !ok {
		return h
	}
	for name, raw := range m {
		switch vals := raw.(type) {
		case string:
			h.Add(name, vals)
		case []any:
			for _, e := range vals {
				h.Add(name, fmt.Sprint(e))
			}
		case []string:
			for _, e := range vals {
				h.Add(name, e)
			}
		}
	}
	return h
}

func toBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func (e *Engine) InterceptRequest(_ context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onRequest == nil {
		return nil, nil
	}

	jsReq := e.rt.ToValue(requestToJS(req))
	result, err := e.onRequest(goja.Undefined(), jsReq)
	if err != nil {
		return nil, fmt.Errorf("js: onRequest: %w", err)
	}

	if obj, ok := jsReq.Export().(map[string]any); ok {
		applyJSRequest(obj, req)
	}

	resp := jsResponseFromJS(result)
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

	jsReq := e.rt.ToValue(requestToJS(req))
	jsResp := e.rt.ToValue(responseToJS(resp))
	_, err := e.onResponse(goja.Undefined(), jsReq, jsResp)
	if err != nil {
		return fmt.Errorf("js: onResponse: %w", err)
	}

	if obj, ok := jsResp.Export().(map[string]any); ok {
		if s, ok := obj["status"].(int64); ok {
			resp.Status = int(s)
		} else if s, ok := obj["status"].(float64); ok {
			resp.Status = int(s)
		}
		if hv, ok := obj["headers"]; ok {
			resp.Headers = jsHeadersToHeaderList(hv)
		}
		if bv, ok := obj["body"]; ok {
			resp.Body = toBytes(bv)
		}
	}
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rt = nil
	e.onRequest = nil
	e.onResponse = nil
	return nil
}
