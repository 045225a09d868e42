// Package script defines the scripting ABI interceptors implement, and
// hosts a single active engine instance behind a mutex so scripts can be
// hot-swapped without racing in-flight hooks.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fergdev/roxy/internal/flow"
)

// Language selects which interpreter backend a script source is loaded
// into.
type Language string

const (
	LanguageNone       Language = ""
	LanguageJavaScript Language = "js"
	LanguageLua        Language = "lua"
	LanguagePython     Language = "python"
)

// NotifyLevel mirrors original_source's FlowNotifyLevel enum.
type NotifyLevel int

const (
	NotifyInfo NotifyLevel = iota
	NotifyWarn
	NotifyError
	NotifyDebug
	NotifyTrace
)

// LevelFromInt maps an arbitrary integer (as scripts pass into notify())
// to a NotifyLevel, falling back to NotifyInfo for anything out of
// range.
func LevelFromInt(n int) NotifyLevel {
	switch n {
	case int(NotifyWarn):
		return NotifyWarn
	case int(NotifyError):
		return NotifyError
	case int(NotifyDebug):
		return NotifyDebug
	case int(NotifyTrace):
		return NotifyTrace
	default:
		return NotifyInfo
	}
}

// Notification is a log-like message a script emits via notify()/print().
type Notification struct {
	Level   NotifyLevel
	Message string
}

// ErrScriptTimeout is returned by Host when a hook exceeds its timeout.
var ErrScriptTimeout = errors.New("script: hook timed out")

// Engine is the uniform ABI every language backend implements, mirroring
// original_source's RoxyEngine trait.
type Engine interface {
	// InterceptRequest may mutate req in place. If it returns a
	// meaningful response, that response short-circuits the flow
	// instead of dispatching to the upstream.
	InterceptRequest(ctx context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error)
	// InterceptResponse may mutate resp in place.
	InterceptResponse(ctx context.Context, req *flow.InterceptedRequest, resp *flow.InterceptedResponse) error
	// SetScript (re)loads source into this engine instance.
	SetScript(ctx context.Context, source string) error
	// Stop releases any resources the engine holds (timers, goroutines).
	Stop(ctx context.Context) error
}

// Factory constructs a fresh Engine instance for a language.
type Factory func(notify chan<- Notification) Engine

var factories = map[Language]Factory{}

// Register associates a Factory with a Language. Called from each
// backend sub-package's init().
func Register(lang Language, f Factory) {
	factories[lang] = f
}

// Host is the ScriptEngine wrapper: one active Engine behind a mutex,
// swapped atomically on SetScript, with every hook invocation bounded by
// a timeout.
type Host struct {
	mu          sync.Mutex
	engine      Engine
	lang        Language
	hookTimeout time.Duration
	notify      chan Notification
	logger      *slog.Logger
}

// NewHost creates a Host running the Noop engine until SetScript is
// called.
func NewHost(hookTimeout time.Duration, logger *slog.Logger) *Host {
	if hookTimeout <= 0 {
		hookTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		engine:      NewNoop(),
		hookTimeout: hookTimeout,
		notify:      make(chan Notification, 256),
		logger:      logger,
	}
}

// Notifications returns the channel scripts' notify()/print() calls feed.
func (h *Host) Notifications() <-chan Notification {
	return h.notify
}

// SetScript stops the previous engine (ignoring its error), constructs
// a fresh engine for lang, and attempts to load source into it. On load
// failure the previous engine, already stopped, stays installed. On
// success the new engine is swapped in under the host's lock.
func (h *Host) SetScript(ctx context.Context, lang Language, source string) error {
	factory, ok := factories[lang]
	if !ok {
		return fmt.Errorf("script: no engine registered for language %q", lang)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.engine
	if prev != nil {
		if err := prev.Stop(ctx); err != nil {
			h.logger.Warn("error stopping previous script engine", "error", err)
		}
	}

	next := factory(h.notify)
	if err := next.SetScript(ctx, source); err != nil {
		// Reinstall the previous engine. It was already stopped above
		// and is not restarted here.
		h.engine = prev
		return fmt.Errorf("script: loading script: %w", err)
	}

	h.engine = next
	h.lang = lang
	return nil
}

// Language reports the currently active engine's language.
func (h *Host) Language() Language {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lang
}

// InterceptRequest runs the active engine's request hook under the
// configured timeout.
func (h *Host) InterceptRequest(ctx context.Context, req *flow.InterceptedRequest) (*flow.InterceptedResponse, error) {
	h.mu.Lock()
	eng := h.engine
	h.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, h.hookTimeout)
	defer cancel()

	type result struct {
		resp *flow.InterceptedResponse
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		resp, err := eng.InterceptRequest(hctx, req)
		resultCh <- result{resp, err}
	}()

	select {
	case r := <-resultCh:
		return r.resp, r.err
	case <-hctx.Done():
		return nil, ErrScriptTimeout
	}
}

// InterceptResponse runs the active engine's response hook under the
// configured timeout.
func (h *Host) InterceptResponse(ctx context.Context, req *flow.InterceptedRequest, resp *flow.InterceptedResponse) error {
	h.mu.Lock()
	eng := h.engine
	h.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, h.hookTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.InterceptResponse(hctx, req, resp)
	}()

	select {
	case err := <-errCh:
		return err
	case <-hctx.Done():
		return ErrScriptTimeout
	}
}

// Stop tears down the active engine.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Stop(ctx)
}
