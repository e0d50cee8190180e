package netfs

import (
	"errors"
	"fmt"

	"github.com/lkarlslund/netfs/filesystem"
)

var ErrProtocol = errors.New("protocol violation")

// Provider is the filesystem the protocol handler serves from.
// *filesystem.Registry satisfies it.
type Provider interface {
	Walk(path string) ([]filesystem.Entry, error)
	List(path string) ([]filesystem.Entry, error)
	Stat(path string) (filesystem.Stat, error)
	Open(path string, mode filesystem.Mode) (filesystem.File, error)
}

// Limits bound what a peer may declare in a chunk header before any memory
// is committed to it.
type Limits struct {
	MaxPathLength uint64
	MaxFileSize   uint64
}

// mapping is a file mapping owned by a single Connection. It is released
// exactly once. A write mapping is committed only by release after the
// reply went out; a connection ending earlier discards it.
type mapping struct {
	file     filesystem.File
	data     []byte
	writable bool
	released bool
}

func (m *mapping) release() error {
	if m == nil || m.released {
		return nil
	}
	m.released = true
	m.data = nil
	return m.file.Unmap()
}

// discard drops the mapping, leaving it to File.Close to throw away the
// uncommitted content of a write.
func (m *mapping) discard() {
	if m == nil || m.released {
		return
	}
	m.released = true
	m.data = nil
}

// connState is one step of the request state machine. advance returns the
// next state, or nil when the request is finished. ErrWouldBlock means the
// state is waiting for readiness and is kept.
type connState interface {
	advance(c *Connection, r *Reactor) (connState, error)
}

type (
	readCommand       struct{}
	readChunkHeader   struct{}
	readChunkData     struct{}
	readContentHeader struct{}
	readContent       struct{ size uint64 }
	writeReply        struct{}
	writeContent      struct{}
)

// Connection serves exactly one request on an accepted socket.
type Connection struct {
	socket   *Socket
	provider Provider
	limits   Limits
	perf     *performance

	state   connState
	reader  Reader
	writer  Writer
	builder Builder

	op      Opcode
	path    string
	file    filesystem.File
	mapping *mapping
}

func NewConnection(socket *Socket, provider Provider, limits Limits, perf *performance) *Connection {
	if perf == nil {
		perf = NewPerformance()
	}
	c := &Connection{
		socket:   socket,
		provider: provider,
		limits:   limits,
		perf:     perf,
		state:    readCommand{},
	}
	c.expect(4)
	return c
}

func (c *Connection) FD() int {
	return c.socket.FD()
}

// Handle runs the state machine as far as the socket allows.
func (c *Connection) Handle(r *Reactor, events EventFlags) bool {
	for {
		next, err := c.state.advance(c, r)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				return true
			}
			c.fail(err)
			return false
		}
		if next == nil {
			c.perf.Add(RequestsCompleted, 1)
			Logger.Trace().Msgf("Completed %v %v", c.op, c.path)
			return false
		}
		c.state = next
	}
}

func (c *Connection) fail(err error) {
	switch {
	case errors.Is(err, ErrProtocol):
		c.perf.Add(ProtocolErrors, 1)
		Logger.Debug().Msgf("Dropping connection %v: %v", c.socket.FD(), err)
	case IsExpectedCloseError(err):
		Logger.Debug().Msgf("Connection %v closed by peer during %v: %v", c.socket.FD(), c.op, err)
	default:
		Logger.Warn().Msgf("Connection %v failed during %v %v: %v", c.socket.FD(), c.op, c.path, err)
	}
}

// Close releases the mapping, the file and the socket. An unfinished
// write is discarded.
func (c *Connection) Close() error {
	var firsterr error
	if c.mapping != nil && c.mapping.writable {
		if !c.mapping.released {
			Logger.Debug().Msgf("Discarding incomplete write of %v", c.path)
		}
		c.mapping.discard()
	} else if err := c.mapping.release(); err != nil {
		firsterr = err
	}
	c.mapping = nil
	if c.file != nil {
		if err := c.file.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
		c.file = nil
	}
	if err := c.socket.Close(); err != nil && firsterr == nil {
		firsterr = err
	}
	return firsterr
}

// expect points the reader at a fresh builder buffer of n bytes.
func (c *Connection) expect(n int) {
	c.builder.Begin(n)
	c.reader.Start(c.builder.Bytes())
}

// receive reports ErrWouldBlock until the reader target is filled.
func (c *Connection) receive() error {
	if _, err := c.reader.Process(c.socket); err != nil {
		return err
	}
	if !c.reader.Complete() {
		return ErrWouldBlock
	}
	return nil
}

func (c *Connection) send() error {
	if _, err := c.writer.Process(c.socket); err != nil {
		return err
	}
	if !c.writer.Complete() {
		return ErrWouldBlock
	}
	return nil
}

// chunkLength validates a received chunk header and returns its length.
func (c *Connection) chunkLength(limit uint64) (uint64, error) {
	marker, err := c.builder.ReadU32()
	if err != nil {
		return 0, err
	}
	length, err := c.builder.ReadU64()
	if err != nil {
		return 0, err
	}
	if marker != BeginChunkRequest {
		return 0, fmt.Errorf("%w: bad chunk marker 0x%x", ErrProtocol, marker)
	}
	if length == 0 {
		return 0, fmt.Errorf("%w: zero length chunk", ErrProtocol)
	}
	if length > limit {
		return 0, fmt.Errorf("%w: chunk of %v bytes exceeds limit of %v", ErrProtocol, length, limit)
	}
	return length, nil
}

// reply switches the socket to write interest and queues the builder
// content.
func (c *Connection) reply(r *Reactor) (connState, error) {
	if err := r.Modify(c.socket.FD(), EventOut); err != nil {
		return nil, err
	}
	c.writer.Start(c.builder.Bytes())
	return writeReply{}, nil
}

// replyIO answers with the fixed error envelope.
func (c *Connection) replyIO(r *Reactor, err error) (connState, error) {
	c.perf.Add(BackendErrors, 1)
	Logger.Debug().Msgf("%v %v failed: %v", c.op, c.path, err)
	c.builder.Begin(0)
	c.builder.AddU32(BeginChunkReply)
	c.builder.AddU32(ErrorIO)
	c.builder.AddU64(0)
	return c.reply(r)
}

func (readCommand) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.receive(); err != nil {
		return nil, err
	}
	op, err := c.builder.ReadU32()
	if err != nil {
		return nil, err
	}
	c.op = Opcode(op)
	if !c.op.Valid() {
		return nil, fmt.Errorf("%w: unknown %v", ErrProtocol, c.op)
	}
	c.expect(chunkHeaderSize)
	return readChunkHeader{}, nil
}

func (readChunkHeader) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.receive(); err != nil {
		return nil, err
	}
	length, err := c.chunkLength(c.limits.MaxPathLength)
	if err != nil {
		return nil, err
	}
	c.expect(int(length))
	return readChunkData{}, nil
}

func (readChunkData) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.receive(); err != nil {
		return nil, err
	}
	c.path = c.builder.ReadStringImplicitCount()
	Logger.Trace().Msgf("Request %v %v", c.op, c.path)

	switch c.op {
	case OpReadFile:
		return c.readFile(r)
	case OpStat:
		return c.stat(r)
	case OpList:
		entries, err := c.provider.List(c.path)
		if err != nil {
			return c.replyIO(r, err)
		}
		return c.entries(r, entries)
	case OpWalk:
		entries, err := c.provider.Walk(c.path)
		if err != nil {
			return c.replyIO(r, err)
		}
		return c.entries(r, entries)
	case OpWriteFile:
		f, err := c.provider.Open(c.path, filesystem.WriteOnly)
		if err != nil {
			return c.replyIO(r, err)
		}
		c.file = f
		c.expect(chunkHeaderSize)
		return readContentHeader{}, nil
	}
	return nil, fmt.Errorf("%w: unknown %v", ErrProtocol, c.op)
}

func (c *Connection) readFile(r *Reactor) (connState, error) {
	f, err := c.provider.Open(c.path, filesystem.ReadOnly)
	if err != nil {
		return c.replyIO(r, err)
	}
	c.file = f
	data, err := f.Map()
	if err != nil {
		return c.replyIO(r, err)
	}
	c.mapping = &mapping{file: f, data: data}
	c.perf.Add(FilesRead, 1)

	c.builder.Begin(0)
	c.builder.AddU32(BeginChunkReply)
	c.builder.AddU32(ErrorOK)
	c.builder.AddU64(uint64(len(data)))
	return c.reply(r)
}

func (c *Connection) stat(r *Reactor) (connState, error) {
	st, err := c.provider.Stat(c.path)
	if err != nil {
		return c.replyIO(r, err)
	}
	c.builder.Begin(0)
	c.builder.AddU32(BeginChunkReply)
	c.builder.AddU32(ErrorOK)
	c.builder.AddU64(statBodySize)
	c.builder.AddU64(st.Size)
	c.builder.AddU32(fileType(st.Type))
	return c.reply(r)
}

func (c *Connection) entries(r *Reactor, entries []filesystem.Entry) (connState, error) {
	c.builder.Begin(0)
	c.builder.AddU32(BeginChunkReply)
	c.builder.AddU32(ErrorOK)
	lengthoffset := c.builder.AddU64(0)
	bodystart := c.builder.Len()
	c.builder.AddU32(uint32(len(entries)))
	for _, e := range entries {
		c.builder.AddSizedString(e.Path)
		c.builder.AddU32(fileType(e.Type))
	}
	c.builder.PokeU64(lengthoffset, uint64(c.builder.Len()-bodystart))
	return c.reply(r)
}

func (readContentHeader) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.receive(); err != nil {
		return nil, err
	}
	size, err := c.chunkLength(c.limits.MaxFileSize)
	if err != nil {
		return nil, err
	}
	data, err := c.file.MapWrite(size)
	if err != nil {
		return c.replyIO(r, err)
	}
	c.mapping = &mapping{file: c.file, data: data, writable: true}
	c.reader.Start(data)
	return readContent{size: size}, nil
}

func (s readContent) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.receive(); err != nil {
		return nil, err
	}
	c.perf.Add(FilesWritten, 1)
	c.builder.Begin(0)
	c.builder.AddU32(BeginChunkReply)
	c.builder.AddU32(ErrorOK)
	c.builder.AddU64(s.size)
	return c.reply(r)
}

func (writeReply) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.send(); err != nil {
		return nil, err
	}
	if c.mapping == nil {
		return nil, nil
	}
	if c.mapping.writable {
		// flush the written content to the backend
		if err := c.mapping.release(); err != nil {
			Logger.Warn().Msgf("Error committing %v: %v", c.path, err)
		}
		return nil, nil
	}
	if len(c.mapping.data) == 0 {
		return nil, nil
	}
	c.writer.Start(c.mapping.data)
	return writeContent{}, nil
}

func (writeContent) advance(c *Connection, r *Reactor) (connState, error) {
	if err := c.send(); err != nil {
		return nil, err
	}
	return nil, nil
}
