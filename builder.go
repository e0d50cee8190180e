package netfs

import (
	"encoding/binary"
	"errors"
)

var ErrShortBuffer = errors.New("read past end of message")

// Builder is a little-endian message buffer. Add* append at the end and
// return the offset they wrote at, Read* consume from a separate read
// cursor.
type Builder struct {
	buffer []byte
	read   int
}

// Begin discards the content and resizes the buffer to size zeroed bytes,
// ready to be filled by a Reader or appended to.
func (b *Builder) Begin(size int) {
	if cap(b.buffer) >= size {
		b.buffer = b.buffer[:size]
		clear(b.buffer)
	} else {
		b.buffer = make([]byte, size)
	}
	b.read = 0
}

func (b *Builder) Bytes() []byte {
	return b.buffer
}

func (b *Builder) Len() int {
	return len(b.buffer)
}

// Remaining is the number of unread bytes.
func (b *Builder) Remaining() int {
	return len(b.buffer) - b.read
}

func (b *Builder) AddU32(v uint32) int {
	offset := len(b.buffer)
	b.buffer = binary.LittleEndian.AppendUint32(b.buffer, v)
	return offset
}

func (b *Builder) AddU64(v uint64) int {
	offset := len(b.buffer)
	b.buffer = binary.LittleEndian.AppendUint64(b.buffer, v)
	return offset
}

// AddString appends the raw bytes of s. The length is carried by the
// enclosing chunk.
func (b *Builder) AddString(s string) int {
	offset := len(b.buffer)
	b.buffer = append(b.buffer, s...)
	return offset
}

// AddSizedString appends s prefixed by its u64 length.
func (b *Builder) AddSizedString(s string) int {
	offset := b.AddU64(uint64(len(s)))
	b.buffer = append(b.buffer, s...)
	return offset
}

// PokeU64 overwrites the eight bytes at offset, which must have been
// returned by an earlier AddU64. The cursors do not move.
func (b *Builder) PokeU64(offset int, v uint64) {
	binary.LittleEndian.PutUint64(b.buffer[offset:offset+8], v)
}

func (b *Builder) ReadU32() (uint32, error) {
	if b.Remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(b.buffer[b.read:])
	b.read += 4
	return v, nil
}

func (b *Builder) ReadU64() (uint64, error) {
	if b.Remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint64(b.buffer[b.read:])
	b.read += 8
	return v, nil
}

// ReadString reads a string written by AddSizedString.
func (b *Builder) ReadString() (string, error) {
	length, err := b.ReadU64()
	if err != nil {
		return "", err
	}
	if uint64(b.Remaining()) < length {
		b.read -= 8
		return "", ErrShortBuffer
	}
	s := string(b.buffer[b.read : b.read+int(length)])
	b.read += int(length)
	return s, nil
}

// ReadStringImplicitCount consumes every unread byte as a string.
func (b *Builder) ReadStringImplicitCount() string {
	s := string(b.buffer[b.read:])
	b.read = len(b.buffer)
	return s
}
