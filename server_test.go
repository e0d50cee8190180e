package netfs

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lkarlslund/netfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Bind = "127.0.0.1:0"
	return cfg
}

func startServer(t *testing.T, cfg Config, registry *filesystem.Registry) *Server {
	t.Helper()
	s, err := NewServer(cfg, registry)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		s.Close()
		registry.Close()
	})
	return s
}

// exchange sends request in pieces of fragment bytes, pausing between
// pieces so they arrive as separate readiness events, and returns
// everything the server sends until it closes.
func exchange(t *testing.T, addr net.Addr, request []byte, fragment int) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	conn.(*net.TCPConn).SetNoDelay(true)

	if fragment <= 0 {
		fragment = len(request)
	}
	for len(request) > 0 {
		n := min(fragment, len(request))
		_, err := conn.Write(request[:n])
		require.NoError(t, err)
		request = request[n:]
		if len(request) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	return reply
}

func encodeRequest(op Opcode, path string) []byte {
	var b Builder
	b.AddU32(uint32(op))
	b.AddU32(BeginChunkRequest)
	b.AddU64(uint64(len(path)))
	b.AddString(path)
	return b.Bytes()
}

func encodeChunk(content []byte) []byte {
	var b Builder
	b.AddU32(BeginChunkRequest)
	b.AddU64(uint64(len(content)))
	b.AddString(string(content))
	return b.Bytes()
}

func ioErrorReply() []byte {
	var b Builder
	b.AddU32(BeginChunkReply)
	b.AddU32(ErrorIO)
	b.AddU64(0)
	return b.Bytes()
}

func newDirectoryRegistry(t *testing.T, options filesystem.OSOptions) (*filesystem.Registry, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fortytwo.bin"), make([]byte, 42), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "hello.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty"), nil, 0644))

	backend, err := filesystem.NewOSBackend(root, options)
	require.NoError(t, err)
	registry := filesystem.NewRegistry()
	require.NoError(t, registry.Register(filesystem.DefaultProtocol, backend))
	return registry, root
}

func TestServerAddr(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)
	addr, ok := s.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)
	assert.True(t, addr.IP.IsLoopback())
}

func TestServerBindFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Bind = "127.0.0.1:99999"
	_, err := NewServer(cfg, filesystem.NewRegistry())
	assert.Error(t, err)
}

func TestServerAddBackend(t *testing.T) {
	registry, _ := newDirectoryRegistry(t, filesystem.OSOptions{})
	s := startServer(t, testConfig(), registry)
	client := NewClient(s.Addr().String())

	_, err := client.Stat("mem://notes.txt")
	assert.ErrorIs(t, err, ErrRemoteIO)

	mem := filesystem.NewMemoryBackend()
	require.NoError(t, mem.Put("/notes.txt", []byte("remember")))
	require.NoError(t, s.AddBackend("mem", mem))

	require.Eventually(t, func() bool {
		st, err := client.Stat("mem://notes.txt")
		return err == nil && st.Size == 8
	}, 5*time.Second, 10*time.Millisecond)

	data, err := client.ReadFile("mem://notes.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("remember"), data)

	stats := s.Stats()
	assert.GreaterOrEqual(t, stats.Get(ConnectionsAccepted), uint64(3))
	assert.GreaterOrEqual(t, stats.Get(RequestsCompleted), uint64(2))
	assert.NotZero(t, stats.Get(SentOverWire))
}

func TestOpenRegistry(t *testing.T) {
	root := t.TempDir()
	extra := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(extra, "x.txt"), []byte("x"), 0644))

	cfg := testConfig()
	cfg.Directory = root
	cfg.Mounts = map[string]string{"extra": extra}
	registry, err := OpenRegistry(cfg)
	require.NoError(t, err)
	defer registry.Close()

	assert.Len(t, registry.Backends(), 2)
	st, err := registry.Stat("extra://x.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Size)

	cfg.Mounts = map[string]string{"broken": filepath.Join(root, "missing")}
	_, err = OpenRegistry(cfg)
	assert.Error(t, err)
}
