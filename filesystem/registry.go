package filesystem

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

const DefaultProtocol = "file"

// BackendEvent announces a backend that has just been registered.
type BackendEvent struct {
	Protocol string
	Backend  Backend
}

type subscription struct {
	id int
	fn func(BackendEvent)
}

// Registry maps protocol names to backends and announces new backends to
// subscribers. Paths are either plain ("/a/b", served by the "file"
// backend) or carry a protocol prefix ("mem://a/b").
type Registry struct {
	lock        sync.RWMutex
	backends    map[string]Backend
	subscribers []subscription
	nextid      int
}

func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register installs backend under protocol and announces it. A backend
// already registered under the same name is closed after the announcement,
// so subscribers can migrate away from it first.
func (r *Registry) Register(protocol string, backend Backend) error {
	if protocol == "" || strings.Contains(protocol, "://") {
		return fmt.Errorf("invalid protocol name %q", protocol)
	}

	r.lock.Lock()
	old := r.backends[protocol]
	r.backends[protocol] = backend
	subscribers := slices.Clone(r.subscribers)
	r.lock.Unlock()

	Logger.Debug().Msgf("Registered backend for protocol %v", protocol)
	for _, s := range subscribers {
		s.fn(BackendEvent{Protocol: protocol, Backend: backend})
	}

	if old != nil && old != backend {
		if err := old.Close(); err != nil {
			Logger.Warn().Msgf("Error closing replaced backend %v: %v", protocol, err)
		}
	}
	return nil
}

func (r *Registry) Backend(protocol string) (Backend, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	b, found := r.backends[protocol]
	return b, found
}

// Backends returns a snapshot of all registered backends keyed by protocol.
func (r *Registry) Backends() map[string]Backend {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]Backend, len(r.backends))
	for name, b := range r.backends {
		result[name] = b
	}
	return result
}

// Subscribe calls fn for every backend registered from now on. The
// returned function cancels the subscription.
func (r *Registry) Subscribe(fn func(BackendEvent)) func() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.nextid++
	id := r.nextid
	r.subscribers = append(r.subscribers, subscription{id: id, fn: fn})
	return func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		r.subscribers = slices.DeleteFunc(r.subscribers, func(s subscription) bool {
			return s.id == id
		})
	}
}

// SplitPath splits "proto://rest" into its protocol and path. Plain paths
// belong to DefaultProtocol.
func SplitPath(p string) (protocol, path string, prefixed bool) {
	if i := strings.Index(p, "://"); i >= 0 {
		return p[:i], p[i+3:], true
	}
	return DefaultProtocol, p, false
}

func (r *Registry) resolve(p string) (Backend, string, string, error) {
	protocol, path, prefixed := SplitPath(p)
	b, found := r.Backend(protocol)
	if !found {
		return nil, "", "", fmt.Errorf("%w: %v", ErrUnknownProtocol, protocol)
	}
	prefix := ""
	if prefixed {
		prefix = protocol + "://"
	}
	return b, path, prefix, nil
}

func prefixEntries(prefix string, entries []Entry) []Entry {
	if prefix == "" {
		return entries
	}
	for i := range entries {
		entries[i].Path = prefix + strings.TrimPrefix(entries[i].Path, "/")
	}
	return entries
}

func (r *Registry) Walk(p string) ([]Entry, error) {
	b, path, prefix, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := b.Walk(path)
	if err != nil {
		return nil, err
	}
	return prefixEntries(prefix, entries), nil
}

func (r *Registry) List(p string) ([]Entry, error) {
	b, path, prefix, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	entries, err := b.List(path)
	if err != nil {
		return nil, err
	}
	return prefixEntries(prefix, entries), nil
}

func (r *Registry) Stat(p string) (Stat, error) {
	b, path, _, err := r.resolve(p)
	if err != nil {
		return Stat{}, err
	}
	return b.Stat(path)
}

func (r *Registry) Open(p string, mode Mode) (File, error) {
	b, path, _, err := r.resolve(p)
	if err != nil {
		return nil, err
	}
	return b.Open(path, mode)
}

// Close closes every registered backend.
func (r *Registry) Close() error {
	r.lock.Lock()
	backends := r.backends
	r.backends = make(map[string]Backend)
	r.lock.Unlock()

	var firsterr error
	for name, b := range backends {
		if err := b.Close(); err != nil {
			Logger.Warn().Msgf("Error closing backend %v: %v", name, err)
			if firsterr == nil {
				firsterr = err
			}
		}
	}
	return firsterr
}
