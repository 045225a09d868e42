package flow

import "strings"

// HeaderList is an ordered, case-insensitive-lookup multi-map of header
// fields. Unlike net/http.Header it preserves original field-name casing
// and insertion order, which scripts observe through Flow.request/
// response.headers.
type HeaderList struct {
	names  []string // original-case name per distinct insertion, in order
	values map[string][]string
}

// NewHeaderList returns an empty HeaderList.
func NewHeaderList() *HeaderList {
	return &HeaderList{values: make(map[string][]string)}
}

func key(name string) string { return strings.ToLower(name) }

// Add appends a value, preserving the original case of name the first
// time it is seen.
func (h *HeaderList) Add(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.names = append(h.names, name)
	}
	h.values[k] = append(h.values[k], value)
}

// Set replaces all values for name.
func (h *HeaderList) Set(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.names = append(h.names, name)
	}
	h.values[k] = []string{value}
}

// Get returns the first value for name, or "".
func (h *HeaderList) Get(name string) string {
	vs := h.values[key(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for name.
func (h *HeaderList) Values(name string) []string {
	return h.values[key(name)]
}

// Has reports whether name has been set.
func (h *HeaderList) Has(name string) bool {
	_, ok := h.values[key(name)]
	return ok
}

// Del removes all values for name.
func (h *HeaderList) Del(name string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, n := range h.names {
		if key(n) == k {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Names returns header names in original-case insertion order.
func (h *HeaderList) Names() []string {
	return append([]string(nil), h.names...)
}

// Each calls fn for every (name, value) pair in insertion order.
func (h *HeaderList) Each(fn func(name, value string)) {
	for _, n := range h.names {
		for _, v := range h.values[key(n)] {
			fn(n, v)
		}
	}
}

// Clone returns a deep copy.
func (h *HeaderList) Clone() *HeaderList {
	out := NewHeaderList()
	h.Each(out.Add)
	return out
}

// ToMap renders the list as a name->values map for JSON/YAML export.
func (h *HeaderList) ToMap() map[string][]string {
	m := make(map[string][]string, len(h.names))
	for _, n := range h.names {
		m[n] = append([]string(nil), h.values[key(n)]...)
	}
	return m
}

// HeaderListFromMap rebuilds a HeaderList from a name->values map,
// in the map's (unordered) iteration order. Used when deserializing from
// a persistence backend that does not itself preserve order (SQLite JSON
// columns, Redis).
func HeaderListFromMap(m map[string][]string) *HeaderList {
	h := NewHeaderList()
	for n, vs := range m {
		for _, v := range vs {
			h.Add(n, v)
		}
	}
	return h
}
