package netfs

import (
	"fmt"
	"maps"
	"slices"

	"github.com/lkarlslund/netfs/filesystem"
)

// notificationRelay forwards readiness of a backend notification
// descriptor to the backend. The descriptor stays owned by the backend.
type notificationRelay struct {
	protocol string
	backend  filesystem.Backend
	socket   *Socket
	perf     *performance
}

func (n *notificationRelay) Handle(r *Reactor, events EventFlags) bool {
	n.backend.PollNotifications()
	n.perf.Add(NotificationsPolled, 1)
	return true
}

func (n *notificationRelay) Close() error {
	return n.socket.Close()
}

type watch struct {
	protocol string
	path     string
	fn       filesystem.NotifyFunc
}

// NotificationBridge keeps one relay registered in the reactor for every
// backend that has a notification descriptor, including backends
// registered after the bridge was created. Watches installed through the
// bridge follow their protocol onto every backend registered for it.
type NotificationBridge struct {
	reactor     *Reactor
	registry    *filesystem.Registry
	relays      map[string]int // protocol -> descriptor
	watches     []watch
	unsubscribe func()
	perf        *performance
}

func NewNotificationBridge(reactor *Reactor, registry *filesystem.Registry, perf *performance) *NotificationBridge {
	if perf == nil {
		perf = NewPerformance()
	}
	b := &NotificationBridge{
		reactor:  reactor,
		registry: registry,
		relays:   make(map[string]int),
		perf:     perf,
	}
	for protocol, backend := range registry.Backends() {
		b.bridge(protocol, backend)
	}
	b.unsubscribe = registry.Subscribe(func(e filesystem.BackendEvent) {
		b.bridge(e.Protocol, e.Backend)
	})
	return b
}

func (b *NotificationBridge) bridge(protocol string, backend filesystem.Backend) {
	if fd, found := b.relays[protocol]; found {
		delete(b.relays, protocol)
		if err := b.reactor.Remove(fd); err != nil {
			Logger.Debug().Msgf("Error removing notification relay for %v: %v", protocol, err)
		}
	}

	for _, w := range b.watches {
		if w.protocol == protocol {
			b.install(backend, w)
		}
	}

	fd := backend.NotificationFD()
	if fd < 0 {
		Logger.Debug().Msgf("Backend %v has no notification descriptor", protocol)
		return
	}
	relay := &notificationRelay{
		protocol: protocol,
		backend:  backend,
		socket:   borrowSocket(fd),
		perf:     b.perf,
	}
	if err := b.reactor.Register(fd, EventIn, relay); err != nil {
		Logger.Warn().Msgf("Error registering notifications for %v: %v", protocol, err)
		return
	}
	b.relays[protocol] = fd
	Logger.Debug().Msgf("Bridged notifications for %v on descriptor %v", protocol, fd)
}

// Watch installs fn on p ("proto://path" or a plain path) now and on every
// backend registered for the protocol later. A protocol that is not served
// yet is an error, but the watch is still kept for later registrations.
// Like every reactor state, it must be used before Run or from Post.
func (b *NotificationBridge) Watch(p string, fn filesystem.NotifyFunc) error {
	protocol, path, _ := filesystem.SplitPath(p)
	w := watch{protocol: protocol, path: path, fn: fn}
	b.watches = append(b.watches, w)
	backend, found := b.registry.Backend(protocol)
	if !found {
		return fmt.Errorf("%w: %v", filesystem.ErrUnknownProtocol, protocol)
	}
	return b.install(backend, w)
}

func (b *NotificationBridge) install(backend filesystem.Backend, w watch) error {
	handle, err := backend.InstallNotification(w.path, w.fn)
	if err != nil {
		Logger.Warn().Msgf("Error watching %v on %v: %v", w.path, w.protocol, err)
		return err
	}
	Logger.Debug().Msgf("Watching %v on %v (handle %v)", w.path, w.protocol, handle)
	return nil
}

// Protocols lists the bridged backends, sorted.
func (b *NotificationBridge) Protocols() []string {
	return slices.Sorted(maps.Keys(b.relays))
}

// Close stops following the registry and removes every relay.
func (b *NotificationBridge) Close() error {
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	for protocol, fd := range b.relays {
		delete(b.relays, protocol)
		b.reactor.Remove(fd)
	}
	return nil
}
