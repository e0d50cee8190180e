package netfs

import (
	"net"

	"golang.org/x/sys/unix"
)

// Listener accepts connections and registers one Connection per accept.
type Listener struct {
	socket   *Socket
	addr     net.Addr
	provider Provider
	limits   Limits
	perf     *performance
}

func NewListener(bind string, backlog int, provider Provider, limits Limits, perf *performance) (*Listener, error) {
	if perf == nil {
		perf = NewPerformance()
	}
	fd, addr, err := listenSocket(bind, backlog)
	if err != nil {
		return nil, err
	}
	return &Listener{
		socket:   NewSocket(fd, nil, nil),
		addr:     addr,
		provider: provider,
		limits:   limits,
		perf:     perf,
	}, nil
}

func (l *Listener) FD() int {
	return l.socket.FD()
}

// Addr is the bound address, with the kernel chosen port when bound to
// port 0.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Handle accepts at most one pending connection. Accept failures are logged
// and the listener stays registered.
func (l *Listener) Handle(r *Reactor, events EventFlags) bool {
	fd, sa, err := unix.Accept4(l.socket.FD(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED:
			Logger.Trace().Msgf("Accept on %v: %v", l.addr, err)
		default:
			Logger.Warn().Msgf("Error accepting connection on %v: %v", l.addr, err)
		}
		return true
	}

	socket := NewSocket(fd,
		l.perf.GetAtomicAdder(ReceivedOverWire),
		l.perf.GetAtomicAdder(SentOverWire))
	conn := NewConnection(socket, l.provider, l.limits, l.perf)
	if err := r.Register(fd, EventIn, conn); err != nil {
		Logger.Warn().Msgf("Error registering connection from %v: %v", sockaddrToTCPAddr(sa), err)
		conn.Close()
		return true
	}
	l.perf.Add(ConnectionsAccepted, 1)
	Logger.Debug().Msgf("Accepted connection from %v", sockaddrToTCPAddr(sa))
	return true
}

func (l *Listener) Close() error {
	return l.socket.Close()
}
