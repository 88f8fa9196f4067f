package state

import "sort"

// Registry is the in-memory window store keyed by address. It is owned by a
// single goroutine and is not safe for concurrent use.
type Registry struct {
	windows map[string]*Window
	maxSize int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{windows: make(map[string]*Window)}
}

// Get returns the stored window for address. The pointer stays valid until the
// entry is removed or replaced.
func (r *Registry) Get(address string) (*Window, bool) {
	w, ok := r.windows[address]
	return w, ok
}

// Put stores w, replacing any previous entry for the same address.
func (r *Registry) Put(w Window) *Window {
	if w.Tags == nil {
		w.Tags = TagSet{}
	}
	stored := &w
	r.windows[w.Address] = stored
	r.trackSize()
	return stored
}

// Remove deletes address and reports whether it was present.
func (r *Registry) Remove(address string) bool {
	if _, ok := r.windows[address]; !ok {
		return false
	}
	delete(r.windows, address)
	return true
}

// Replace discards every entry and stores the given windows.
func (r *Registry) Replace(windows []Window) {
	r.windows = make(map[string]*Window, len(windows))
	for _, w := range windows {
		if w.Address == "" {
			continue
		}
		r.Put(w)
	}
	r.trackSize()
}

// Len returns the number of tracked windows.
func (r *Registry) Len() int {
	return len(r.windows)
}

// MaxLen returns the largest size the registry has reached.
func (r *Registry) MaxLen() int {
	return r.maxSize
}

// Addresses returns the tracked addresses in lexical order.
func (r *Registry) Addresses() []string {
	out := make([]string, 0, len(r.windows))
	for addr := range r.windows {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns deep copies of every window ordered by address.
func (r *Registry) Snapshot() []Window {
	addrs := r.Addresses()
	out := make([]Window, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, r.windows[addr].Clone())
	}
	return out
}

func (r *Registry) trackSize() {
	if n := len(r.windows); n > r.maxSize {
		r.maxSize = n
	}
}
