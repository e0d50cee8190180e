package netfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/lkarlslund/netfs/filesystem"
)

var (
	ErrRemoteIO       = errors.New("remote I/O error")
	ErrMalformedReply = errors.New("malformed reply")
	ErrEmptyPath      = errors.New("empty path")
	ErrEmptyContent   = errors.New("empty content can not be sent as a chunk")
)

// maxListReply bounds the LIST/WALK body a client is willing to buffer.
const maxListReply = 1 << 30

// Client talks to a server with blocking sockets, one connection per
// request.
type Client struct {
	Address string
	Timeout time.Duration

	Perf *performance
}

func NewClient(address string) *Client {
	return &Client{
		Address: address,
		Timeout: 30 * time.Second,
		Perf:    NewPerformance(),
	}
}

func (c *Client) dial() (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: c.Timeout}
	conn, err := d.Dial("tcp", c.Address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %v: %w", c.Address, err)
	}
	if c.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}
	return NewPerformanceWrapper(conn,
		c.Perf.GetAtomicAdder(ReceivedOverWire),
		c.Perf.GetAtomicAdder(SentOverWire)), nil
}

// request opens a connection and sends the opcode and path chunk.
func (c *Client) request(op Opcode, path string) (io.ReadWriteCloser, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	var b Builder
	b.AddU32(uint32(op))
	b.AddU32(BeginChunkRequest)
	b.AddU64(uint64(len(path)))
	b.AddString(path)
	if _, err := conn.Write(b.Bytes()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending %v %v: %w", op, path, err)
	}
	Logger.Trace().Msgf("Sent %v %v", op, path)
	return conn, nil
}

// readReply reads the reply marker, error code and length field.
func readReply(r io.Reader) (uint64, error) {
	var b Builder
	b.Begin(replyHeaderSize)
	if _, err := io.ReadFull(r, b.Bytes()); err != nil {
		return 0, fmt.Errorf("reading reply: %w", err)
	}
	marker, _ := b.ReadU32()
	code, _ := b.ReadU32()
	length, _ := b.ReadU64()
	if marker != BeginChunkReply {
		return 0, fmt.Errorf("%w: marker 0x%x", ErrMalformedReply, marker)
	}
	switch code {
	case ErrorOK:
		return length, nil
	case ErrorIO:
		return 0, ErrRemoteIO
	}
	return 0, fmt.Errorf("%w: error code %v", ErrMalformedReply, code)
}

func (c *Client) Stat(path string) (filesystem.Stat, error) {
	conn, err := c.request(OpStat, path)
	if err != nil {
		return filesystem.Stat{}, err
	}
	defer conn.Close()

	length, err := readReply(conn)
	if err != nil {
		return filesystem.Stat{}, err
	}
	if length != statBodySize {
		return filesystem.Stat{}, fmt.Errorf("%w: stat body of %v bytes", ErrMalformedReply, length)
	}
	var b Builder
	b.Begin(statBodySize)
	if _, err := io.ReadFull(conn, b.Bytes()); err != nil {
		return filesystem.Stat{}, err
	}
	size, _ := b.ReadU64()
	t, _ := b.ReadU32()
	return filesystem.Stat{Size: size, Type: pathType(t)}, nil
}

func (c *Client) List(path string) ([]filesystem.Entry, error) {
	return c.entries(OpList, path)
}

func (c *Client) Walk(path string) ([]filesystem.Entry, error) {
	return c.entries(OpWalk, path)
}

func (c *Client) entries(op Opcode, path string) ([]filesystem.Entry, error) {
	conn, err := c.request(op, path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	length, err := readReply(conn)
	if err != nil {
		return nil, err
	}
	if length < 4 || length > maxListReply {
		return nil, fmt.Errorf("%w: %v body of %v bytes", ErrMalformedReply, op, length)
	}
	var b Builder
	b.Begin(int(length))
	if _, err := io.ReadFull(conn, b.Bytes()); err != nil {
		return nil, err
	}
	return parseEntries(&b)
}

// parseEntries decodes a LIST/WALK body and insists it is consumed
// exactly.
func parseEntries(b *Builder) ([]filesystem.Entry, error) {
	count, err := b.ReadU32()
	if err != nil {
		return nil, err
	}
	entries := make([]filesystem.Entry, 0, min(int(count), b.Remaining()/12))
	for range count {
		p, err := b.ReadString()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		t, err := b.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		entries = append(entries, filesystem.Entry{Path: p, Type: pathType(t)})
	}
	if b.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %v trailing bytes", ErrMalformedReply, b.Remaining())
	}
	return entries, nil
}

// ReadFileTo streams the content of path into w and returns its size.
func (c *Client) ReadFileTo(path string, w io.Writer) (uint64, error) {
	conn, err := c.request(OpReadFile, path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	size, err := readReply(conn)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyN(w, conn, int64(size))
	if err != nil {
		return uint64(n), fmt.Errorf("reading content of %v: %w", path, err)
	}
	return size, nil
}

func (c *Client) ReadFile(path string) ([]byte, error) {
	var buffer bytes.Buffer
	if _, err := c.ReadFileTo(path, &buffer); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// WriteFileFrom stores size bytes from r at path. The protocol can not
// carry an empty file.
func (c *Client) WriteFileFrom(path string, r io.Reader, size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrEmptyContent
	}
	conn, err := c.request(OpWriteFile, path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var b Builder
	b.AddU32(BeginChunkRequest)
	b.AddU64(size)
	if _, err := conn.Write(b.Bytes()); err != nil {
		return 0, fmt.Errorf("sending content header for %v: %w", path, err)
	}
	sender := &sendTracker{w: conn}
	if _, err := io.CopyN(sender, r, int64(size)); err != nil {
		if sender.err != nil {
			// a refused write is answered before the server hangs up on the content
			if _, rerr := readReply(conn); errors.Is(rerr, ErrRemoteIO) {
				return 0, rerr
			}
		}
		return 0, fmt.Errorf("sending content of %v: %w", path, err)
	}
	return readReply(conn)
}

// sendTracker remembers the error of the connection side of a copy.
type sendTracker struct {
	w   io.Writer
	err error
}

func (s *sendTracker) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

func (c *Client) WriteFile(path string, data []byte) (uint64, error) {
	return c.WriteFileFrom(path, bytes.NewReader(data), uint64(len(data)))
}
