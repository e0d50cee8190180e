package filesystem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"golang.org/x/sys/unix"
)

const inotifyMask = unix.IN_CREATE | unix.IN_MOVED_TO |
	unix.IN_MODIFY | unix.IN_CLOSE_WRITE |
	unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVED_FROM

type inotifyCallback struct {
	handle NotifyHandle
	fn     NotifyFunc
}

type inotifyWatch struct {
	path      string // backend relative path that was watched
	callbacks []inotifyCallback
}

// inotifyWatcher owns one non-blocking inotify descriptor. It never blocks:
// poll drains whatever is queued and returns.
type inotifyWatcher struct {
	fd      int
	watches map[int]*inotifyWatch // by watch descriptor
	handles map[NotifyHandle]int  // handle -> watch descriptor
	next    NotifyHandle
	buffer  []byte
}

func newInotifyWatcher() (*inotifyWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &inotifyWatcher{
		fd:      fd,
		watches: make(map[int]*inotifyWatch),
		handles: make(map[NotifyHandle]int),
		buffer:  make([]byte, 64*1024),
	}, nil
}

func (w *inotifyWatcher) install(relative, absolute string, fn NotifyFunc) (NotifyHandle, error) {
	wd, err := unix.InotifyAddWatch(w.fd, absolute, inotifyMask)
	if err != nil {
		return 0, translateError(fmt.Errorf("inotify_add_watch on %s: %w", relative, err))
	}
	watch, found := w.watches[wd]
	if !found {
		watch = &inotifyWatch{path: relative}
		w.watches[wd] = watch
	}
	w.next++
	handle := w.next
	watch.callbacks = append(watch.callbacks, inotifyCallback{handle: handle, fn: fn})
	w.handles[handle] = wd
	Logger.Debug().Msgf("Installed notification %v on %v", handle, relative)
	return handle, nil
}

func (w *inotifyWatcher) uninstall(handle NotifyHandle) {
	wd, found := w.handles[handle]
	if !found {
		return
	}
	delete(w.handles, handle)
	watch := w.watches[wd]
	if watch == nil {
		return
	}
	watch.callbacks = slices.DeleteFunc(watch.callbacks, func(c inotifyCallback) bool {
		return c.handle == handle
	})
	if len(watch.callbacks) == 0 {
		delete(w.watches, wd)
		if _, err := unix.InotifyRmWatch(w.fd, uint32(wd)); err != nil {
			Logger.Debug().Msgf("Error removing watch on %v: %v", watch.path, err)
		}
	}
}

// poll reads every queued event and dispatches it to the callbacks of the
// watch it belongs to.
func (w *inotifyWatcher) poll() int {
	var dispatched int
	for {
		n, err := unix.Read(w.fd, w.buffer)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if !errors.Is(err, unix.EAGAIN) {
				Logger.Warn().Msgf("Error reading inotify events: %v", err)
			}
			return dispatched
		}
		if n <= 0 {
			return dispatched
		}
		dispatched += w.dispatch(w.buffer[:n])
	}
}

func (w *inotifyWatcher) dispatch(buffer []byte) int {
	var dispatched int
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int(int32(binary.NativeEndian.Uint32(buffer[offset : offset+4])))
		mask := binary.NativeEndian.Uint32(buffer[offset+4 : offset+8])
		namelength := int(binary.NativeEndian.Uint32(buffer[offset+12 : offset+16]))
		eventsize := unix.SizeofInotifyEvent + namelength
		if offset+eventsize > len(buffer) {
			break
		}
		name := nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : offset+eventsize])
		offset += eventsize

		watch, found := w.watches[wd]
		if !found || strings.HasPrefix(name, uploadPrefix) {
			continue
		}
		if mask&unix.IN_IGNORED != 0 {
			// watched path is gone, the kernel already dropped the watch
			for _, c := range watch.callbacks {
				delete(w.handles, c.handle)
			}
			delete(w.watches, wd)
			continue
		}

		var t NotifyType
		switch {
		case mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0:
			t = FileCreated
		case mask&(unix.IN_DELETE|unix.IN_DELETE_SELF|unix.IN_MOVED_FROM) != 0:
			t = FileDeleted
		case mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) != 0:
			t = FileChanged
		default:
			continue
		}

		p := watch.path
		if name != "" {
			p = path.Join(watch.path, name)
		}
		Logger.Trace().Msgf("Notification %v for %v", t, p)
		for _, c := range slices.Clone(watch.callbacks) {
			c.fn(NotifyInfo{Path: p, Type: t, Handle: c.handle})
			dispatched++
		}
	}
	return dispatched
}

func (w *inotifyWatcher) close() error {
	w.watches = nil
	w.handles = nil
	return unix.Close(w.fd)
}

// nullTerminatedString extracts a name from the null padded inotify name field.
func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
