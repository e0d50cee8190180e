package filesystem

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryBackend keeps whole files in memory. Directories exist implicitly
// as prefixes of stored files. Notifications are delivered synchronously
// when a write is committed, so there is no notification descriptor.
type MemoryBackend struct {
	lock    sync.Mutex
	files   map[string][]byte
	writers map[string]bool
	watches map[NotifyHandle]memoryWatch
	next    NotifyHandle
}

type memoryWatch struct {
	path string
	fn   NotifyFunc
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files:   make(map[string][]byte),
		writers: make(map[string]bool),
		watches: make(map[NotifyHandle]memoryWatch),
	}
}

// Put stores data at p, replacing any previous content.
func (m *MemoryBackend) Put(p string, data []byte) error {
	name, err := clean(p)
	if err != nil {
		return err
	}
	m.commit(name, slices.Clone(data))
	return nil
}

func (m *MemoryBackend) commit(name string, data []byte) {
	m.lock.Lock()
	_, existed := m.files[name]
	m.files[name] = data
	notify := make(map[NotifyHandle]memoryWatch)
	for handle, w := range m.watches {
		if w.path == name || w.path == parentOf(name) {
			notify[handle] = w
		}
	}
	m.lock.Unlock()

	t := FileCreated
	if existed {
		t = FileChanged
	}
	for handle, w := range notify {
		w.fn(NotifyInfo{Path: name, Type: t, Handle: handle})
	}
}

func parentOf(name string) string {
	i := strings.LastIndexByte(name, '/')
	if i <= 0 {
		return "/"
	}
	return name[:i]
}

func (m *MemoryBackend) isDir(name string) bool {
	if name == "/" {
		return true
	}
	prefix := name + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func (m *MemoryBackend) Stat(p string) (Stat, error) {
	name, err := clean(p)
	if err != nil {
		return Stat{}, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if data, found := m.files[name]; found {
		return Stat{Size: uint64(len(data)), Type: PathTypeFile}, nil
	}
	if m.isDir(name) {
		return Stat{Type: PathTypeDirectory}, nil
	}
	return Stat{}, fmt.Errorf("%v: %w", name, ErrNotFound)
}

func (m *MemoryBackend) collect(p string, recursive bool) ([]Entry, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if !m.isDir(name) {
		return nil, fmt.Errorf("%v: %w", name, ErrNotFound)
	}

	prefix := strings.TrimSuffix(name, "/") + "/"
	seen := make(map[string]PathType)
	for f := range m.files {
		if !strings.HasPrefix(f, prefix) {
			continue
		}
		rest := strings.Split(f[len(prefix):], "/")
		for i := range rest {
			entry := prefix + strings.Join(rest[:i+1], "/")
			t := PathTypeDirectory
			if i == len(rest)-1 {
				t = PathTypeFile
			}
			seen[entry] = t
			if !recursive {
				break
			}
		}
	}

	entries := make([]Entry, 0, len(seen))
	for entry, t := range seen {
		entries = append(entries, Entry{Path: entry, Type: t})
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries, nil
}

func (m *MemoryBackend) List(p string) ([]Entry, error) {
	return m.collect(p, false)
}

func (m *MemoryBackend) Walk(p string) ([]Entry, error) {
	return m.collect(p, true)
}

func (m *MemoryBackend) Open(p string, mode Mode) (File, error) {
	name, err := clean(p)
	if err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	switch mode {
	case ReadOnly:
		data, found := m.files[name]
		if !found {
			if m.isDir(name) {
				return nil, fmt.Errorf("%v: %w", name, ErrIsDirectory)
			}
			return nil, fmt.Errorf("%v: %w", name, ErrNotFound)
		}
		return &memoryFile{backend: m, name: name, data: data}, nil
	case WriteOnly:
		if m.isDir(name) {
			return nil, fmt.Errorf("%v: %w", name, ErrIsDirectory)
		}
		if m.writers[name] {
			return nil, fmt.Errorf("%v: %w", name, ErrBusy)
		}
		m.writers[name] = true
		return &memoryFile{backend: m, name: name, data: m.files[name], writable: true}, nil
	}
	return nil, fmt.Errorf("unknown open mode %v", mode)
}

func (m *MemoryBackend) NotificationFD() int { return -1 }

func (m *MemoryBackend) PollNotifications() {}

func (m *MemoryBackend) InstallNotification(p string, fn NotifyFunc) (NotifyHandle, error) {
	name, err := clean(p)
	if err != nil {
		return 0, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	m.next++
	m.watches[m.next] = memoryWatch{path: name, fn: fn}
	return m.next, nil
}

func (m *MemoryBackend) UninstallNotification(handle NotifyHandle) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.watches, handle)
}

func (m *MemoryBackend) Close() error { return nil }

type memoryFile struct {
	backend  *MemoryBackend
	name     string
	data     []byte
	writable bool
	mapped   []byte
	ismapped bool
	closed   bool
}

func (f *memoryFile) Size() uint64 {
	return uint64(len(f.data))
}

func (f *memoryFile) Map() ([]byte, error) {
	if f.ismapped {
		return nil, ErrAlreadyMapped
	}
	f.mapped, f.ismapped = f.data, true
	return f.mapped, nil
}

func (f *memoryFile) MapWrite(size uint64) ([]byte, error) {
	if !f.writable {
		return nil, fmt.Errorf("%v: %w", f.name, ErrReadOnly)
	}
	if f.ismapped {
		return nil, ErrAlreadyMapped
	}
	f.mapped, f.ismapped = make([]byte, size), true
	return f.mapped, nil
}

func (f *memoryFile) Unmap() error {
	if !f.ismapped {
		return ErrNotMapped
	}
	data := f.mapped
	f.mapped, f.ismapped = nil, false
	if f.writable {
		f.data = data
		f.backend.commit(f.name, data)
	}
	return nil
}

func (f *memoryFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.mapped, f.ismapped = nil, false
	if f.writable {
		f.backend.lock.Lock()
		delete(f.backend.writers, f.name)
		f.backend.lock.Unlock()
	}
	return nil
}
