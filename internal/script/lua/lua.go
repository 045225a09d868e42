// Package lua backs the scripting ABI with github.com/yuin/gopher-lua.
// Each Engine owns a fresh *lua.LState; request/response objects are
// marshaled to and from Lua tables around each hook call.
package lua

import (
	"context"
	"fmt"
	"sync"

	luaimpl "github.com/yuin/gopher-lua"

	"github.com/fergdev/roxy/internal/flow"
	"github.com/fergdev/roxy/internal/script"
)

func init() {
	script.Register(script.LanguageLua, New)
}

// Engine is a gopher-lua-backed script.Engine.
type Engine struct {
	mu     sync.Mutex
	state  *luaimpl.LState
	notify chan<- script.Notification
}

// New constructs a fresh Lua engine.
func New(notifyCh chan<- script.Notification) script.Engine {
	return &Engine{notify: notifyCh}
}

func (e *Engine) SetScript(_ context.Context, source string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil {
		e.state.Close()
	}

	l := luaimpl.NewState()
	l.SetGlobal("notify", l.NewFunction(e.luaNotify))
	l.SetGlobal("print", l.NewFunction(e.luaNotify))

	if err := l.DoString(source); err != nil {
		l.Close()
		return fmt.Errorf("lua: %w", err)
	}

	e.state = l
	return nil
}

func (e *Engine) luaNotify(l *luaimpl.LState) int {
	n := l.GetTop()
	level := script.NotifyInfo
	var msg string
	switch n {
	case 1:
		msg = l.ToStringMeta(l.Get(1)).String()
	default:
		level = script.LevelFromInt(int(l.ToInt(1)))
		msg = l.ToStringMeta(l.Get(2)).String()
	}
	script.Notify(e.notify, level, msg)
	return 0
}

func headersToTable(l *luaimpl.LState, h *flow.HeaderList) *luaimpl.LTable {
	t := l.NewTable()
	if h == nil {
		return t
	}
	for name, vals := range h.ToMap() {
		vt := l.NewTable()
		for _, v := range vals {
			vt.Append(luaimpl.LString(v))
		}
		t.RawSetString(name, vt)
	}
	return t
}

func tableToHeaders(t *luaimpl.LTable) *flow.HeaderList {
	h := flow.NewHeaderList()
	if t == nil {
		return h
	}
	t.ForEach(func(k, v luaimpl.LValue) {
		name := k.String()
		switch vv := v.(type) {
		case *luaimpl.LTable:
			vv.ForEach(func(_, e luaimpl.LValue) {
				h.Add(name, e.String())
			})
		default:
			h.Add(name, v.String())
		}
	})
	return h
}

func requestToTable(l *luaimpl.LState, req *flow.InterceptedRequest) *luaimpl.LTable {
	t := l.NewTable()
	t.RawSetString("method", luaimpl.LString(req.Method))
	t.RawSetString("uri", luaimpl.LString(req.URI))
	t.RawSetString("version", luaimpl.LString(req.Version))
	t.RawSetString("headers", headersToTable(l, req.Headers))
	t.RawSetString("body", luaimpl.LString(req.Body))
	return t
}

func applyTableToRequest(t *luaimpl.LTable, req *flow.InterceptedRequest) {
	if m := t.RawGetString("method"); m != luaimpl.LNil {
		req.Method = flow.Method(m.String())
	}
	if u := t.RawGetString("uri"); u != luaimpl.LNil {
		req.URI = u.String()
	}
	if hv, ok := t.RawGetString("headers").(*luaimpl.LTable); ok {
		req.Headers = tableToHeaders(hv)
	}
	if b := t.RawGetString("body"); b != luaimpl.LNil {
		req.Body = []byte(b.String())
	}
}

func responseToTable(l *luaimpl.LState, resp *flow.InterceptedResponse) luaimpl.LValue {
	if resp == nil {
		return luaimpl.LNil
	}
	t := l.NewTable()
	t.RawSetString("status", luaimpl.LNumber(resp.Status))
	t.RawSetString("version", luaimpl.LString(resp.Version))
	t.RawSetString("headers", headersToTable(l, resp.Headers))
	t.RawSetString("body", luaimpl.LString(resp.Body))
	return t
}

func tableToResponse(v luaimpl.LValue) *flow.InterceptedResponse {
	t, ok := v.(*luaimpl.LTable)
	if !ok {
		return nil
	}
	resp := &flow.InterceptedResponse{}
	if s, ok := t.RawGetString("status").(luaimpl.LNumber); ok {
		resp.Status = int(s)
	}
	if ver := t.RawGetString("version"); ver != luaimpl.LNil {
		resp.Version = flow.Version(ver.String())
	}
	if hv, ok := t.RawGetString("headers").(*luaimpl.LTable); ok {
		resp.Headers = tableToHeaders(hv)
	}
	if b := t.RawGetString("body"); b != luaimpl.LNil {
		resp.Body = []byte(b.String())
	}
	return resp
}

func (e *Engine) InterceptRequest(_ context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil, nil
	}
	fn := e.state.GetGlobal("onRequest")
	if fn.Type() != luaimpl.LTFunction {
		return nil, nil
	}

	reqTable := requestToTable(e.state, req)
	if err := e.state.CallByParam(luaimpl.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, reqTable); err != nil {
		return nil, fmt.Errorf("lua: onRequest: %w", err)
	}
	ret := e.state.Get(-1)
	e.state.Pop(1)

	applyTableToRequest(reqTable, req)

	resp := tableToResponse(ret)
	if resp != nil && !resp.IsMeaningful() {
		resp = nil
	}
	return resp, nil
}

func (e *Engine) InterceptResponse(_ context.Context, req *flow.InterceptedRequest, resp *flow.InterceptedResponse) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil
	}
	fn := e.state.GetGlobal("onResponse")
	if fn.Type() != luaimpl.LTFunction {
		return nil
	}

	reqTable := requestToTable(e.state, req)
	respVal := responseToTable(e.state, resp)
	if err := e.state.CallByParam(luaimpl.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, reqTable, respVal); err != nil {
		return fmt.Errorf("lua: onResponse: %w", err)
	}

	if respTable, ok := respVal.(*luaimpl.LTable); ok {
		if updated := tableToResponse(respTable); updated != nil {
			*resp = *updated
		}
	}
	return nil
}

func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	return nil
}
