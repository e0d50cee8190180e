package netfs

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lkarlslund/netfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allOpcodes = []Opcode{OpReadFile, OpWriteFile, OpStat, OpList, OpWalk}

func TestStatReplies(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	reply := exchange(t, s.Addr(), encodeRequest(OpStat, "/tmp/missing123"), 0)
	assert.Equal(t, ioErrorReply(), reply)

	var expected Builder
	expected.AddU32(BeginChunkReply)
	expected.AddU32(ErrorOK)
	expected.AddU64(12)
	expected.AddU64(42)
	expected.AddU32(FileTypePlain)
	reply = exchange(t, s.Addr(), encodeRequest(OpStat, "/fortytwo.bin"), 0)
	assert.Equal(t, expected.Bytes(), reply)

	client := NewClient(s.Addr().String())
	st, err := client.Stat("/sub")
	require.NoError(t, err)
	assert.Equal(t, filesystem.PathTypeDirectory, st.Type)
}

func TestZeroLengthChunkRejected(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	for _, op := range allOpcodes {
		t.Run(op.String(), func(t *testing.T) {
			var b Builder
			b.AddU32(uint32(op))
			b.AddU32(BeginChunkRequest)
			b.AddU64(0)
			assert.Empty(t, exchange(t, s.Addr(), b.Bytes(), 0))
		})
	}

	t.Run("WRITE_FILE content", func(t *testing.T) {
		request := encodeRequest(OpWriteFile, "/zero.bin")
		request = append(request, encodeChunk(nil)...)
		assert.Empty(t, exchange(t, s.Addr(), request, 0))
	})
}

func TestProtocolViolations(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	cfg := testConfig()
	cfg.MaxPathLength = 16
	cfg.MaxFileSize = 8
	s := startServer(t, cfg, registry)

	// only headers are sent, so nothing is left unread when the server hangs up
	badMarker := encodeRequest(OpStat, "/fortytwo.bin")[:4+chunkHeaderSize]
	badMarker[4] = 0x02

	var tooLong Builder
	tooLong.AddU32(uint32(OpStat))
	tooLong.AddU32(BeginChunkRequest)
	tooLong.AddU64(17)

	tooLarge := encodeRequest(OpWriteFile, "/big.bin")
	var header Builder
	header.AddU32(BeginChunkRequest)
	header.AddU64(9)
	tooLarge = append(tooLarge, header.Bytes()...)

	tests := []struct {
		name    string
		request []byte
	}{
		{"unknown opcode", []byte{9, 0, 0, 0}},
		{"opcode zero", []byte{0, 0, 0, 0}},
		{"bad marker", badMarker},
		{"path too long", tooLong.Bytes()},
		{"content too large", tooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, exchange(t, s.Addr(), tt.request, 0))
		})
	}
	assert.Equal(t, uint64(len(tests)), s.Stats().Get(ProtocolErrors))
}

func TestFragmentationAgnostic(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	requests := map[string][]byte{
		"stat":    encodeRequest(OpStat, "/fortytwo.bin"),
		"missing": encodeRequest(OpStat, "/missing"),
		"list":    encodeRequest(OpList, "/"),
		"walk":    encodeRequest(OpWalk, "/"),
		"read":    encodeRequest(OpReadFile, "/sub/hello.txt"),
	}
	for name, request := range requests {
		t.Run(name, func(t *testing.T) {
			burst := exchange(t, s.Addr(), request, 0)
			trickle := exchange(t, s.Addr(), request, 1)
			assert.NotEmpty(t, burst)
			assert.Equal(t, burst, trickle)
		})
	}

	t.Run("write", func(t *testing.T) {
		request := encodeRequest(OpWriteFile, "/trickle.txt")
		request = append(request, encodeChunk([]byte("abc"))...)
		var expected Builder
		expected.AddU32(BeginChunkReply)
		expected.AddU32(ErrorOK)
		expected.AddU64(3)
		assert.Equal(t, expected.Bytes(), exchange(t, s.Addr(), request, 1))
	})
}

// splitReply checks the reply envelope and returns the body.
func splitReply(t *testing.T, reply []byte) []byte {
	t.Helper()
	var b Builder
	b.Begin(0)
	b.AddString(string(reply))
	marker, err := b.ReadU32()
	require.NoError(t, err)
	require.Equal(t, BeginChunkReply, marker)
	code, err := b.ReadU32()
	require.NoError(t, err)
	require.Equal(t, ErrorOK, code)
	length, err := b.ReadU64()
	require.NoError(t, err)
	body := reply[replyHeaderSize:]
	require.Equal(t, uint64(len(body)), length, "body length field must equal the body size")
	return body
}

func parseBody(t *testing.T, body []byte) []filesystem.Entry {
	t.Helper()
	var b Builder
	b.Begin(0)
	b.AddString(string(body))
	entries, err := parseEntries(&b)
	require.NoError(t, err)
	return entries
}

func TestListAndWalkBodies(t *testing.T) {
	registry, root := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	body := splitReply(t, exchange(t, s.Addr(), encodeRequest(OpList, "/"), 0))
	assert.Equal(t, []filesystem.Entry{
		{Path: "/empty", Type: filesystem.PathTypeFile},
		{Path: "/fortytwo.bin", Type: filesystem.PathTypeFile},
		{Path: "/sub", Type: filesystem.PathTypeDirectory},
	}, parseBody(t, body))

	body = splitReply(t, exchange(t, s.Addr(), encodeRequest(OpWalk, "/"), 0))
	assert.Equal(t, []filesystem.Entry{
		{Path: "/empty", Type: filesystem.PathTypeFile},
		{Path: "/fortytwo.bin", Type: filesystem.PathTypeFile},
		{Path: "/sub", Type: filesystem.PathTypeDirectory},
		{Path: "/sub/hello.txt", Type: filesystem.PathTypeFile},
	}, parseBody(t, body))

	// an empty directory still carries the entry count
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub", "inner"), 0755))
	body = splitReply(t, exchange(t, s.Addr(), encodeRequest(OpWalk, "/sub/inner"), 0))
	assert.Equal(t, []byte{0, 0, 0, 0}, body)
	assert.Empty(t, parseBody(t, body))
}

func TestListErrors(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	for _, op := range []Opcode{OpList, OpWalk} {
		assert.Equal(t, ioErrorReply(), exchange(t, s.Addr(), encodeRequest(op, "/missing"), 0))
		assert.Equal(t, ioErrorReply(), exchange(t, s.Addr(), encodeRequest(op, "nope://x"), 0))
	}
}

func TestReadFileReplies(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)

	body := splitReply(t, exchange(t, s.Addr(), encodeRequest(OpReadFile, "/sub/hello.txt"), 0))
	assert.Equal(t, []byte("hello world"), body)

	body = splitReply(t, exchange(t, s.Addr(), encodeRequest(OpReadFile, "/empty"), 0))
	assert.Empty(t, body)

	assert.Equal(t, ioErrorReply(), exchange(t, s.Addr(), encodeRequest(OpReadFile, "/sub"), 0))
	assert.Equal(t, ioErrorReply(), exchange(t, s.Addr(), encodeRequest(OpReadFile, "/missing"), 0))
}

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func TestWriteThenRead(t *testing.T) {
	registry, root := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)
	client := NewClient(s.Addr().String())

	for _, size := range []int{1, 1000, 3 << 20} {
		content := pattern(size)
		name := filepath.Join("/written", "file.bin")

		written, err := client.WriteFile(name, content)
		require.NoError(t, err)
		assert.Equal(t, uint64(size), written)

		read, err := client.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, xxhash.Sum64(content), xxhash.Sum64(read))
		assert.True(t, bytes.Equal(content, read))

		ondisk, err := os.ReadFile(filepath.Join(root, "written", "file.bin"))
		require.NoError(t, err)
		assert.Len(t, ondisk, size)
	}

	_, err := client.WriteFile("/nothing", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = client.Stat("")
	assert.ErrorIs(t, err, ErrEmptyPath)
}

func TestWriteFileRefused(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{ReadOnly: true})
	s := startServer(t, testConfig(), registry)

	reply := exchange(t, s.Addr(), encodeRequest(OpWriteFile, "/new.txt"), 0)
	assert.Equal(t, ioErrorReply(), reply)
	assert.Equal(t, uint64(1), s.Stats().Get(BackendErrors))
}

func TestWriteFileRefusedLargeContent(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{ReadOnly: true})
	s := startServer(t, testConfig(), registry)
	client := NewClient(s.Addr().String())

	_, err := client.WriteFile("/big.bin", pattern(8<<20))
	assert.ErrorIs(t, err, ErrRemoteIO)
}

// unmappableBackend hands out files that can not be mapped for writing.
type unmappableBackend struct {
	*filesystem.MemoryBackend
}

func (b unmappableBackend) Open(p string, mode filesystem.Mode) (filesystem.File, error) {
	f, err := b.MemoryBackend.Open(p, mode)
	if err != nil {
		return nil, err
	}
	return unmappableFile{f}, nil
}

type unmappableFile struct {
	filesystem.File
}

func (unmappableFile) MapWrite(uint64) ([]byte, error) {
	return nil, errors.New("no space left on device")
}

func TestWriteFileMapFailure(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	mem := filesystem.NewMemoryBackend()
	require.NoError(t, registry.Register("full", unmappableBackend{mem}))
	s := startServer(t, testConfig(), registry)

	request := encodeRequest(OpWriteFile, "full://x.bin")
	var header Builder
	header.AddU32(BeginChunkRequest)
	header.AddU64(3)
	request = append(request, header.Bytes()...)

	assert.Equal(t, ioErrorReply(), exchange(t, s.Addr(), request, 0))
	assert.Equal(t, uint64(1), s.Stats().Get(BackendErrors))

	// the file was closed with the connection and nothing was stored
	_, err := mem.Stat("/x.bin")
	assert.ErrorIs(t, err, filesystem.ErrNotFound)
	f, err := mem.Open("/x.bin", filesystem.WriteOnly)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestAbortedWriteKeepsContent(t *testing.T) {
	registry, root := newDirectoryRegistry(t, filesystem.OSOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, "precious.txt"), []byte("precious data"), 0644))
	mem := filesystem.NewMemoryBackend()
	require.NoError(t, mem.Put("/precious.txt", []byte("precious data")))
	require.NoError(t, registry.Register("mem", mem))
	s := startServer(t, testConfig(), registry)
	client := NewClient(s.Addr().String())

	for _, name := range []string{"/precious.txt", "mem://precious.txt"} {
		t.Run(name, func(t *testing.T) {
			request := encodeRequest(OpWriteFile, name)
			var header Builder
			header.AddU32(BeginChunkRequest)
			header.AddU64(100)
			request = append(request, header.Bytes()...)
			request = append(request, "abc"...)

			received := s.Stats().Get(ReceivedOverWire)
			conn, err := net.Dial("tcp", s.Addr().String())
			require.NoError(t, err)
			_, err = conn.Write(request)
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				return s.Stats().Get(ReceivedOverWire)-received >= uint64(len(request))
			}, 5*time.Second, time.Millisecond)
			require.NoError(t, conn.Close())

			// the writer slot frees up once the server dropped the connection
			require.Eventually(t, func() bool {
				f, err := registry.Open(name, filesystem.WriteOnly)
				if err != nil {
					return false
				}
				f.Close()
				return true
			}, 5*time.Second, time.Millisecond)

			data, err := client.ReadFile(name)
			require.NoError(t, err)
			assert.Equal(t, []byte("precious data"), data)
		})
	}

	names, err := os.ReadDir(root)
	require.NoError(t, err)
	var found []string
	for _, n := range names {
		found = append(found, n.Name())
	}
	assert.ElementsMatch(t, []string{"empty", "fortytwo.bin", "precious.txt", "sub"}, found)
}

func TestMemoryProtocol(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	mem := filesystem.NewMemoryBackend()
	require.NoError(t, mem.Put("/docs/a.txt", []byte("a")))
	require.NoError(t, registry.Register("mem", mem))
	s := startServer(t, testConfig(), registry)
	client := NewClient(s.Addr().String())

	entries, err := client.Walk("mem://")
	require.NoError(t, err)
	assert.Equal(t, []filesystem.Entry{
		{Path: "mem://docs", Type: filesystem.PathTypeDirectory},
		{Path: "mem://docs/a.txt", Type: filesystem.PathTypeFile},
	}, entries)

	_, err = client.WriteFile("mem://docs/b.txt", []byte("bee"))
	require.NoError(t, err)
	data, err := client.ReadFile("mem://docs/b.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("bee"), data)

	entries, err = client.List("mem://docs")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestConcurrentReads(t *testing.T) {
	registry, root := newDirectoryRegistry(t, filesystem.OSOptions{})
	content := pattern(4 << 20)
	require.NoError(t, os.WriteFile(filepath.Join(root, "large.bin"), content, 0644))
	s := startServer(t, testConfig(), registry)
	sum := xxhash.Sum64(content)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := NewClient(s.Addr().String()).ReadFile("/large.bin")
			if assert.NoError(t, err) {
				assert.Equal(t, sum, xxhash.Sum64(data))
			}
		}()
	}
	wg.Wait()
}
