package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// osFile maps file content with mmap. Read mappings are PROT_READ and
// shared. Write mappings cover a sibling upload file; Unmap syncs it and
// renames it over the target, Close without Unmap removes it.
type osFile struct {
	name      string
	f         *os.File
	size      uint64
	writable  bool
	upload    string
	target    string
	committed bool
	mapped    []byte
	ismapped  bool
	release   func()
}

func (o *osFile) Size() uint64 {
	return o.size
}

func (o *osFile) Map() ([]byte, error) {
	if o.ismapped {
		return nil, ErrAlreadyMapped
	}
	if o.size > math.MaxInt {
		return nil, fmt.Errorf("%v: file too large to map (%v bytes)", o.name, o.size)
	}
	if o.size == 0 {
		// mmap rejects zero-length mappings
		o.mapped, o.ismapped = []byte{}, true
		return o.mapped, nil
	}
	data, err := unix.Mmap(int(o.f.Fd()), 0, int(o.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %v: %w", o.name, err)
	}
	o.mapped, o.ismapped = data, true
	return data, nil
}

func (o *osFile) MapWrite(size uint64) ([]byte, error) {
	if !o.writable {
		return nil, fmt.Errorf("%v: %w", o.name, ErrReadOnly)
	}
	if o.ismapped {
		return nil, ErrAlreadyMapped
	}
	if size > math.MaxInt {
		return nil, fmt.Errorf("%v: mapping too large (%v bytes)", o.name, size)
	}
	if err := o.f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("truncating %v to %v bytes: %w", o.name, size, err)
	}
	o.size = size
	if size == 0 {
		o.mapped, o.ismapped = []byte{}, true
		return o.mapped, nil
	}
	data, err := unix.Mmap(int(o.f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("memory-mapping %v for writing: %w", o.name, err)
	}
	o.mapped, o.ismapped = data, true
	return data, nil
}

func (o *osFile) Unmap() error {
	if !o.ismapped {
		return ErrNotMapped
	}
	data := o.mapped
	o.mapped, o.ismapped = nil, false

	var firsterr error
	if len(data) > 0 {
		if o.writable {
			if err := unix.Msync(data, unix.MS_SYNC); err != nil {
				firsterr = fmt.Errorf("syncing %v: %w", o.name, err)
			}
		}
		if err := unix.Munmap(data); err != nil && firsterr == nil {
			firsterr = fmt.Errorf("unmapping %v: %w", o.name, err)
		}
	}
	if o.writable && firsterr == nil {
		firsterr = o.commit()
	}
	return firsterr
}

func (o *osFile) commit() error {
	if o.committed {
		return nil
	}
	if err := os.Rename(o.upload, o.target); err != nil {
		return fmt.Errorf("committing %v: %w", o.name, err)
	}
	o.committed = true
	Logger.Trace().Msgf("Committed %v (%v bytes)", o.name, o.size)
	return nil
}

// Close drops any mapping without committing it.
func (o *osFile) Close() error {
	var firsterr error
	if o.ismapped {
		data := o.mapped
		o.mapped, o.ismapped = nil, false
		if len(data) > 0 {
			if err := unix.Munmap(data); err != nil {
				firsterr = fmt.Errorf("unmapping %v: %w", o.name, err)
			}
		}
	}
	if o.f != nil {
		if err := o.f.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
		o.f = nil
	}
	if o.writable && !o.committed && o.upload != "" {
		if err := os.Remove(o.upload); err != nil && !errors.Is(err, fs.ErrNotExist) && firsterr == nil {
			firsterr = err
		}
		o.upload = ""
		Logger.Trace().Msgf("Discarded uncommitted write of %v", o.name)
	}
	if o.release != nil {
		o.release()
		o.release = nil
	}
	return firsterr
}
