package netfs

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

var ErrWouldBlock = errors.New("operation would block")

// Socket is a non-blocking descriptor. Read and Write never wait: they
// move what the kernel accepts and report ErrWouldBlock when nothing can
// move right now.
type Socket struct {
	fd     int
	owned  bool
	closed bool

	onRead, onWrite AtomicAdder
}

// NewSocket takes ownership of fd, which must already be non-blocking.
// The adders, when set, are fed the number of bytes moved.
func NewSocket(fd int, onRead, onWrite AtomicAdder) *Socket {
	return &Socket{
		fd:      fd,
		owned:   true,
		onRead:  onRead,
		onWrite: onWrite,
	}
}

// borrowSocket wraps a descriptor owned by someone else. Close leaves it
// open.
func borrowSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

func (s *Socket) FD() int {
	return s.fd
}

func (s *Socket) Read(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, ErrWouldBlock
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		if s.onRead != nil {
			s.onRead(uint64(n))
		}
		return n, nil
	}
}

func (s *Socket) Write(p []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(s.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, ErrWouldBlock
			}
			return 0, err
		}
		if s.onWrite != nil {
			s.onWrite(uint64(n))
		}
		return n, nil
	}
}

func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.owned {
		return nil
	}
	return unix.Close(s.fd)
}

// IsExpectedCloseError reports whether err is an ordinary end of a
// conversation: EOF, a closed socket, a broken pipe or a reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}

// listenSocket creates a bound, listening, non-blocking TCP socket.
func listenSocket(bind string, backlog int) (int, net.Addr, error) {
	addr, err := net.ResolveTCPAddr("tcp", bind)
	if err != nil {
		return -1, nil, fmt.Errorf("resolving %v: %w", bind, err)
	}

	domain := unix.AF_INET
	var sa unix.Sockaddr
	if addr.IP == nil || addr.IP.To4() != nil {
		sa4 := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa4.Addr[:], addr.IP.To4())
		}
		sa = sa4
	} else {
		domain = unix.AF_INET6
		sa6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa6.Addr[:], addr.IP.To16())
		sa = sa6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("creating socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("setting SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("binding %v: %w", bind, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listening on %v: %w", bind, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, sockaddrToTCPAddr(bound), nil
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)))
	case *unix.SockaddrInet6:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port)))
	}
	return &net.TCPAddr{}
}
