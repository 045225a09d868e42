// Package urlobj implements a WHATWG-flavored URL and URLSearchParams
// pair for script engines to expose as globals, mirroring
// original_source's js/url.rs object model. Go has no weak references;
// original_source holds URLSearchParams as a Weak<RefCell<Url>> back
// into its owning URL so mutating params. updates the URL without a
// retain cycle. We reproduce the same "mutating params affects the
// owning URL, but an orphaned params object is harmless" behavior with a
// generation-tagged handle instead: each URL carries a monotonically
// bumped generation counter, and a URLSearchParams created from it
// remembers the generation it was handed. A write through stale params
// (generation mismatch) is a no-op rather than a dangling-pointer panic.
package urlobj

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
)

// URL is a mutable wrapper around net/url.URL exposing WHATWG-style
// accessors (href, protocol, host, pathname, search, hash, ...).
type URL struct {
	mu  sync.Mutex
	u   *url.URL
	gen uint64
}

// Parse parses raw into a URL, matching WHATWG's "basic URL parser" for
// the subset of inputs that matter here: absolute URLs only.
func Parse(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("urlobj: parsing %q: %w", raw, err)
	}
	return &URL{u: u}, nil
}

func (w *URL) bump() {
	w.gen++
}

// Href returns the serialized absolute URL.
func (w *URL) Href() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.String()
}

// SetHref reparses raw in place.
func (w *URL) SetHref(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("urlobj: parsing %q: %w", raw, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.u = u
	w.bump()
	return nil
}

// Protocol returns the scheme with a trailing colon, e.g. "https:".
func (w *URL) Protocol() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.Scheme + ":"
}

// Host returns host[:port].
func (w *URL) Host() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.Host
}

// Hostname returns host without the port.
func (w *URL) Hostname() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.Hostname()
}

// Port returns the port, or "".
func (w *URL) Port() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.Port()
}

// Pathname returns the path.
func (w *URL) Pathname() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.u.Path
}

// SetPathname sets the path.
func (w *URL) SetPathname(p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.u.Path = p
	w.bump()
}

// Search returns the query string including the leading '?', or "".
func (w *URL) Search() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.u.RawQuery == "" {
		return ""
	}
	return "?" + w.u.RawQuery
}

// SetSearch sets the raw query string (leading '?' optional).
func (w *URL) SetSearch(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(s) > 0 && s[0] == '?' {
		s = s[1:]
	}
	w.u.RawQuery = s
	w.bump()
}

// Hash returns the fragment including the leading '#', or "".
func (w *URL) Hash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.u.Fragment == "" {
		return ""
	}
	return "#" + w.u.Fragment
}

// SetHash sets the fragment (leading '#' optional).
func (w *URL) SetHash(h string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(h) > 0 && h[0] == '#' {
		h = h[1:]
	}
	w.u.Fragment = h
	w.bump()
}

// SearchParams returns a live view over the query string. Mutations
// through it write back to the URL as long as the URL has not been
// changed through SetHref, SetPathname, SetSearch or SetHash since the
// view was created.
func (w *URL) SearchParams() *URLSearchParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &URLSearchParams{owner: w, gen: w.gen}
}

// URLSearchParams is a generation-tagged, order-preserving view of a
// URL's query string.
type URLSearchParams struct {
	owner *URL
	gen   uint64
}

// stale reports whether the owning URL has been changed through a setter since this
// view was handed out; a stale view's writes are no-ops, mirroring a
// dead weak reference.
func (p *URLSearchParams) stale() bool {
	return p.owner == nil || p.gen != p.owner.gen
}

func (p *URLSearchParams) values() url.Values {
	if p.owner == nil {
		return url.Values{}
	}
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	v, _ := url.ParseQuery(p.owner.u.RawQuery)
	return v
}

func (p *URLSearchParams) writeBack(v url.Values) {
	if p.stale() {
		return
	}
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	p.owner.u.RawQuery = v.Encode()
	p.owner.gen++
	p.gen = p.owner.gen
}

// Get returns the first value for key, or "".
func (p *URLSearchParams) Get(key string) string {
	return p.values().Get(key)
}

// GetAll returns every value for key.
func (p *URLSearchParams) GetAll(key string) []string {
	return p.values()[key]
}

// Has reports whether key is present.
func (p *URLSearchParams) Has(key string) bool {
	_, ok := p.values()[key]
	return ok
}

// Set replaces all values for key.
func (p *URLSearchParams) Set(key, value string) {
	v := p.values()
	v.Set(key, value)
	p.writeBack(v)
}

// Append adds a value for key without removing existing ones.
func (p *URLSearchParams) Append(key, value string) {
	v := p.values()
	v.Add(key, value)
	p.writeBack(v)
}

// Delete removes all values for key.
func (p *URLSearchParams) Delete(key string) {
	v := p.values()
	delete(v, key)
	p.writeBack(v)
}

// Keys returns parameter names in sorted order (net/url.Values has no
// stable insertion order once parsed, so unlike flow.HeaderList this is
// not insertion-ordered).
func (p *URLSearchParams) Keys() []string {
	v := p.values()
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String serializes the params back to a query string.
func (p *URLSearchParams) String() string {
	return p.values().Encode()
}
