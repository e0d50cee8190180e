package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	wunix "github.com/akihirosuda/x-sys-unix-auto-eintr"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/lkarlslund/gonk"
)

// uploadPrefix names the files that hold content of writes in progress.
// They are hidden from List and Walk.
const uploadPrefix = ".netfs-upload-"

type writerindex struct {
	name string
}

func (w writerindex) Compare(w2 writerindex) int {
	return strings.Compare(w.name, w2.name)
}

type OSOptions struct {
	ReadOnly bool

	// Exclude hides paths matching any of these doublestar patterns
	// (relative to the root, no leading slash) from List and Walk.
	Exclude []string

	// FileMode is applied to files created by write opens.
	FileMode os.FileMode
}

// OSBackend serves a directory tree of the local filesystem. Paths are
// interpreted relative to BasePath and can never escape it lexically.
type OSBackend struct {
	BasePath string
	Options  OSOptions

	writers gonk.Gonk[writerindex]
	notify  *inotifyWatcher
}

func NewOSBackend(basepath string, options OSOptions) (*OSBackend, error) {
	abs, err := filepath.Abs(basepath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%v is not a directory", abs)
	}
	for _, pattern := range options.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	if options.FileMode == 0 {
		options.FileMode = 0644
	}

	b := &OSBackend{
		BasePath: abs,
		Options:  options,
	}
	b.notify, err = newInotifyWatcher()
	if err != nil {
		Logger.Warn().Msgf("Change notifications disabled for %v: %v", abs, err)
	}
	return b, nil
}

// clean normalizes a request path to the "/a/b" form.
func clean(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalidPath
	}
	return path.Clean("/" + p), nil
}

func (b *OSBackend) resolve(p string) (relative, absolute string, err error) {
	relative, err = clean(p)
	if err != nil {
		return "", "", err
	}
	return relative, filepath.Join(b.BasePath, filepath.FromSlash(relative)), nil
}

func (b *OSBackend) excluded(relative string) bool {
	name := strings.TrimPrefix(relative, "/")
	if strings.HasPrefix(path.Base(name), uploadPrefix) {
		return true
	}
	for _, pattern := range b.Options.Exclude {
		if match, _ := doublestar.Match(pattern, name); match {
			return true
		}
	}
	return false
}

func translateError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func (b *OSBackend) List(p string) ([]Entry, error) {
	relative, absolute, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	Logger.Trace().Msgf("Listing files in %s", relative)

	direntries, err := os.ReadDir(absolute)
	if err != nil {
		return nil, translateError(err)
	}
	entries := make([]Entry, 0, len(direntries))
	for _, d := range direntries {
		relativepath := path.Join(relative, d.Name())
		if b.excluded(relativepath) {
			continue
		}
		entries = append(entries, Entry{
			Path: relativepath,
			Type: entryType(filepath.Join(absolute, d.Name()), relativepath, d.Type()),
		})
	}
	return entries, nil
}

func (b *OSBackend) Walk(p string) ([]Entry, error) {
	relative, absolute, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	Logger.Trace().Msgf("Walking files in %s", relative)

	info, err := os.Stat(absolute)
	if err != nil {
		return nil, translateError(err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%v: %w", relative, fs.ErrInvalid)
	}

	var lock sync.Mutex
	var entries []Entry
	conf := fastwalk.Config{Follow: false}
	err = fastwalk.Walk(&conf, absolute, func(abspath string, d fs.DirEntry, err error) error {
		if err != nil {
			Logger.Debug().Msgf("Error walking %v: %v", abspath, err)
			return nil
		}
		if abspath == absolute {
			return nil
		}
		rel, err := filepath.Rel(b.BasePath, abspath)
		if err != nil {
			return err
		}
		relativepath := "/" + filepath.ToSlash(rel)
		if b.excluded(relativepath) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		entry := Entry{
			Path: relativepath,
			Type: entryType(abspath, relativepath, d.Type()),
		}
		lock.Lock()
		entries = append(entries, entry)
		lock.Unlock()
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}

	slices.SortFunc(entries, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
	return entries, nil
}

func (b *OSBackend) Stat(p string) (Stat, error) {
	relative, absolute, err := b.resolve(p)
	if err != nil {
		return Stat{}, err
	}
	Logger.Trace().Msgf("Stat entry %s", relative)

	info, err := os.Stat(absolute)
	if err != nil {
		return Stat{}, translateError(err)
	}
	return infoToStat(relative, info), nil
}

func (b *OSBackend) Open(p string, mode Mode) (File, error) {
	relative, absolute, err := b.resolve(p)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ReadOnly:
		Logger.Trace().Msgf("Opening file %s", relative)
		f, err := os.Open(absolute)
		if err != nil {
			return nil, translateError(err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if info.IsDir() {
			f.Close()
			return nil, fmt.Errorf("%v: %w", relative, ErrIsDirectory)
		}
		return &osFile{name: relative, f: f, size: uint64(info.Size())}, nil

	case WriteOnly:
		if b.Options.ReadOnly {
			return nil, ErrReadOnly
		}
		if _, busy := b.writers.Load(writerindex{name: relative}); busy {
			return nil, fmt.Errorf("%v: %w", relative, ErrBusy)
		}
		if info, err := os.Stat(absolute); err == nil && info.IsDir() {
			return nil, fmt.Errorf("%v: %w", relative, ErrIsDirectory)
		}
		Logger.Trace().Msgf("Opening file %s for writing", relative)
		dir := filepath.Dir(absolute)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		// content goes to a sibling upload file that replaces the target on commit
		f, err := os.CreateTemp(dir, uploadPrefix+"*")
		if err != nil {
			return nil, translateError(err)
		}
		if err := wunix.Chmod(f.Name(), uint32(b.Options.FileMode.Perm())); err != nil {
			Logger.Warn().Msgf("Error changing mode for %s: %v", relative, err)
		}
		b.writers.Store(writerindex{name: relative})
		return &osFile{
			name:     relative,
			f:        f,
			writable: true,
			upload:   f.Name(),
			target:   absolute,
			release: func() {
				b.writers.Delete(writerindex{name: relative})
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown open mode %v", mode)
}

func (b *OSBackend) NotificationFD() int {
	if b.notify == nil {
		return -1
	}
	return b.notify.fd
}

func (b *OSBackend) PollNotifications() {
	if b.notify != nil {
		b.notify.poll()
	}
}

func (b *OSBackend) InstallNotification(p string, fn NotifyFunc) (NotifyHandle, error) {
	if b.notify == nil {
		return 0, ErrNotificationsUnset
	}
	relative, absolute, err := b.resolve(p)
	if err != nil {
		return 0, err
	}
	return b.notify.install(relative, absolute, fn)
}

func (b *OSBackend) UninstallNotification(handle NotifyHandle) {
	if b.notify != nil {
		b.notify.uninstall(handle)
	}
}

func (b *OSBackend) Close() error {
	if b.notify != nil {
		err := b.notify.close()
		b.notify = nil
		return err
	}
	return nil
}
