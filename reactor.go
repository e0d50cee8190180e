package netfs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var ErrReactorClosed = errors.New("reactor is closed")

type EventFlags uint32

const (
	EventIn     EventFlags = unix.EPOLLIN
	EventOut    EventFlags = unix.EPOLLOUT
	EventHangup EventFlags = unix.EPOLLHUP
	EventError  EventFlags = unix.EPOLLERR
)

// Handler reacts to readiness of one registered descriptor. Returning false
// ends the registration: the reactor removes the descriptor and closes the
// handler.
type Handler interface {
	Handle(r *Reactor, events EventFlags) bool
	Close() error
}

// registration is a handler together with the generation it was
// registered under. Events carry the generation, so an event queued for a
// descriptor that was closed and reused within one batch is dropped.
type registration struct {
	handler    Handler
	generation int32
}

// Reactor is a single goroutine epoll loop. Everything except Post must be
// called from the goroutine running Wait or Run.
type Reactor struct {
	epfd       int
	wakefd     int
	handlers   map[int]registration
	generation int32
	events     []unix.EpollEvent

	lock   sync.Mutex
	posted []func()
	closed bool
}

func NewReactor() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("registering wakeup descriptor: %w", err)
	}
	return &Reactor{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]registration),
		events:   make([]unix.EpollEvent, 256),
	}, nil
}

func (r *Reactor) Register(fd int, events EventFlags, handler Handler) error {
	if _, exists := r.handlers[fd]; exists {
		return fmt.Errorf("descriptor %v is already registered", fd)
	}
	r.generation++
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd), Pad: r.generation}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll add %v: %w", fd, err)
	}
	r.handlers[fd] = registration{handler: handler, generation: r.generation}
	return nil
}

func (r *Reactor) Modify(fd int, events EventFlags) error {
	reg, exists := r.handlers[fd]
	if !exists {
		return fmt.Errorf("descriptor %v is not registered", fd)
	}
	ev := unix.EpollEvent{Events: uint32(events), Fd: int32(fd), Pad: reg.generation}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll modify %v: %w", fd, err)
	}
	return nil
}

// Remove unregisters fd and closes its handler. Removing an unknown
// descriptor is a no-op.
func (r *Reactor) Remove(fd int) error {
	reg, exists := r.handlers[fd]
	if !exists {
		return nil
	}
	delete(r.handlers, fd)
	var firsterr error
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		firsterr = fmt.Errorf("epoll delete %v: %w", fd, err)
	}
	if err := reg.handler.Close(); err != nil && firsterr == nil {
		firsterr = err
	}
	return firsterr
}

func (r *Reactor) Len() int {
	return len(r.handlers)
}

// Wait blocks until at least one descriptor is ready or timeout passes
// (negative waits forever), then dispatches every ready handler in turn.
// It returns the number of handlers dispatched. An interrupted wait
// dispatches nothing and is not an error.
func (r *Reactor) Wait(timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	var dispatched int
	for _, ev := range r.events[:n] {
		fd := int(ev.Fd)
		if fd == r.wakefd {
			r.drainWakeup()
			r.runPosted()
			continue
		}
		reg, exists := r.handlers[fd]
		if !exists || reg.generation != ev.Pad {
			// removed, or replaced, by an earlier handler of this batch
			continue
		}
		dispatched++
		if !reg.handler.Handle(r, EventFlags(ev.Events)) {
			if err := r.Remove(fd); err != nil {
				Logger.Debug().Msgf("Error removing descriptor %v: %v", fd, err)
			}
		}
	}
	return dispatched, nil
}

// Post queues fn to run on the reactor goroutine and wakes it. It is safe
// to call from any goroutine.
func (r *Reactor) Post(fn func()) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrReactorClosed
	}
	r.posted = append(r.posted, fn)
	return r.wakeup()
}

// wakeup must be called with the lock held
func (r *Reactor) wakeup() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	for {
		_, err := unix.Write(r.wakefd, one[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// counter saturated, the loop is already due to wake up
			return nil
		}
		return err
	}
}

func (r *Reactor) drainWakeup() {
	var counter [8]byte
	for {
		_, err := unix.Read(r.wakefd, counter[:])
		if err != unix.EINTR {
			return
		}
	}
}

func (r *Reactor) runPosted() {
	r.lock.Lock()
	posted := r.posted
	r.posted = nil
	r.lock.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// Run dispatches events until ctx is cancelled or waiting fails.
func (r *Reactor) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.lock.Lock()
		defer r.lock.Unlock()
		if !r.closed {
			r.wakeup()
		}
	})
	defer stop()

	for ctx.Err() == nil {
		if _, err := r.Wait(-1); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every registered handler and the reactor's own descriptors.
// It must not be called while Wait or Run is in progress.
func (r *Reactor) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	r.posted = nil
	r.lock.Unlock()

	for fd := range r.handlers {
		if err := r.Remove(fd); err != nil {
			Logger.Debug().Msgf("Error removing descriptor %v: %v", fd, err)
		}
	}
	unix.Close(r.wakefd)
	return unix.Close(r.epfd)
}
