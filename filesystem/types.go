package filesystem

import "errors"

var (
	ErrNotFound           = errors.New("no such file or directory")
	ErrInvalidPath        = errors.New("invalid path")
	ErrIsDirectory        = errors.New("is a directory")
	ErrReadOnly           = errors.New("backend is read-only")
	ErrBusy               = errors.New("file is already open for writing")
	ErrNotMapped          = errors.New("file is not mapped")
	ErrAlreadyMapped      = errors.New("file is already mapped")
	ErrUnknownProtocol    = errors.New("unknown protocol")
	ErrNotificationsUnset = errors.New("notifications not available on this backend")
)

// PathType is the coarse type of a path as seen by remote peers.
type PathType int

const (
	PathTypeFile PathType = iota
	PathTypeDirectory
	PathTypeSpecial
)

func (t PathType) String() string {
	switch t {
	case PathTypeFile:
		return "file"
	case PathTypeDirectory:
		return "directory"
	default:
		return "special"
	}
}

type Entry struct {
	Path string
	Type PathType
}

type Stat struct {
	Size uint64
	Type PathType
}

type Mode int

const (
	ReadOnly Mode = iota
	WriteOnly
)

// File is an open file borrowed for the duration of one request. A File
// holds at most one mapping at a time; Unmap releases it and, for write
// mappings, commits the content to the backend. Closing a write mapping
// without Unmap discards it and leaves the previous content in place.
type File interface {
	Size() uint64
	Map() ([]byte, error)
	MapWrite(size uint64) ([]byte, error)
	Unmap() error
	Close() error
}

type NotifyType int

const (
	FileChanged NotifyType = iota
	FileDeleted
	FileCreated
)

func (t NotifyType) String() string {
	switch t {
	case FileChanged:
		return "changed"
	case FileDeleted:
		return "deleted"
	default:
		return "created"
	}
}

type NotifyHandle int

type NotifyInfo struct {
	Path   string
	Type   NotifyType
	Handle NotifyHandle
}

type NotifyFunc func(NotifyInfo)

// Backend serves one protocol namespace ("file", "mem", ...). All methods
// are called from a single goroutine.
type Backend interface {
	Walk(path string) ([]Entry, error)
	List(path string) ([]Entry, error)
	Stat(path string) (Stat, error)
	Open(path string, mode Mode) (File, error)

	// NotificationFD returns a pollable descriptor that becomes readable
	// when PollNotifications has work, or -1.
	NotificationFD() int
	PollNotifications()
	InstallNotification(path string, fn NotifyFunc) (NotifyHandle, error)
	UninstallNotification(handle NotifyHandle)

	Close() error
}
