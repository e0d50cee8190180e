package netfs

import (
	"context"
	"net"

	"github.com/lkarlslund/netfs/filesystem"
)

// Server ties the reactor, the listener and the notification bridge
// together around a registry of backends.
type Server struct {
	Perf *performance

	registry *filesystem.Registry
	reactor  *Reactor
	listener *Listener
	bridge   *NotificationBridge
}

func NewServer(config Config, registry *filesystem.Registry) (*Server, error) {
	reactor, err := NewReactor()
	if err != nil {
		return nil, err
	}
	s := &Server{
		Perf:     NewPerformance(),
		registry: registry,
		reactor:  reactor,
	}

	s.listener, err = NewListener(config.Bind, config.Backlog, registry, config.Limits(), s.Perf)
	if err != nil {
		reactor.Close()
		return nil, err
	}
	if err := reactor.Register(s.listener.FD(), EventIn, s.listener); err != nil {
		s.listener.Close()
		reactor.Close()
		return nil, err
	}
	s.bridge = NewNotificationBridge(reactor, registry, s.Perf)
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	Logger.Info().Msgf("Listening on %v", s.Addr())
	return s.reactor.Run(ctx)
}

// AddBackend registers backend under protocol from the reactor goroutine,
// so its notification descriptor is bridged without racing the loop.
func (s *Server) AddBackend(protocol string, backend filesystem.Backend) error {
	return s.reactor.Post(func() {
		if err := s.registry.Register(protocol, backend); err != nil {
			Logger.Error().Msgf("Error adding backend %v: %v", protocol, err)
			backend.Close()
			return
		}
		Logger.Info().Msgf("Serving %v://", protocol)
	})
}

// Watch installs fn on path through the notification bridge, see
// NotificationBridge.Watch. Call it before Run.
func (s *Server) Watch(path string, fn filesystem.NotifyFunc) error {
	return s.bridge.Watch(path, fn)
}

// Stats returns the counters accumulated since the last history rollover.
func (s *Server) Stats() PerformanceEntry {
	return s.Perf.Current()
}

// Close tears down the bridge, the listener and every open connection. The
// registry is left to its owner. Close must not be called while Run is
// still running.
func (s *Server) Close() error {
	s.bridge.Close()
	return s.reactor.Close()
}

// OpenRegistry creates a registry serving config.Directory as the default
// protocol plus every configured mount.
func OpenRegistry(config Config) (*filesystem.Registry, error) {
	registry := filesystem.NewRegistry()
	backend, err := OpenMount(config, config.Directory)
	if err != nil {
		return nil, err
	}
	if err := registry.Register(filesystem.DefaultProtocol, backend); err != nil {
		backend.Close()
		return nil, err
	}
	for protocol, directory := range config.Mounts {
		backend, err := OpenMount(config, directory)
		if err != nil {
			registry.Close()
			return nil, err
		}
		if err := registry.Register(protocol, backend); err != nil {
			backend.Close()
			registry.Close()
			return nil, err
		}
	}
	return registry, nil
}

// OpenMount opens a directory backend with the options from config.
func OpenMount(config Config, directory string) (*filesystem.OSBackend, error) {
	return filesystem.NewOSBackend(directory, filesystem.OSOptions{
		ReadOnly: config.ReadOnly,
		Exclude:  config.Exclude,
	})
}
