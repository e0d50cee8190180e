package filesystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend()
	require.NoError(t, m.Put("/docs/readme.md", []byte("hello")))
	require.NoError(t, m.Put("docs/sub/deep.txt", []byte("deep")))
	require.NoError(t, m.Put("/root.txt", nil))

	t.Run("Stat", func(t *testing.T) {
		s, err := m.Stat("/docs/readme.md")
		require.NoError(t, err)
		assert.Equal(t, Stat{Size: 5, Type: PathTypeFile}, s)

		s, err = m.Stat("/docs/sub")
		require.NoError(t, err)
		assert.Equal(t, PathTypeDirectory, s.Type)

		_, err = m.Stat("/nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		entries, err := m.List("/")
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Path: "/docs", Type: PathTypeDirectory},
			{Path: "/root.txt", Type: PathTypeFile},
		}, entries)

		entries, err = m.List("/docs")
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Path: "/docs/readme.md", Type: PathTypeFile},
			{Path: "/docs/sub", Type: PathTypeDirectory},
		}, entries)

		_, err = m.List("/root.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Walk", func(t *testing.T) {
		entries, err := m.Walk("/")
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Path: "/docs", Type: PathTypeDirectory},
			{Path: "/docs/readme.md", Type: PathTypeFile},
			{Path: "/docs/sub", Type: PathTypeDirectory},
			{Path: "/docs/sub/deep.txt", Type: PathTypeFile},
			{Path: "/root.txt", Type: PathTypeFile},
		}, entries)
	})

	t.Run("WriteCommitsOnUnmap", func(t *testing.T) {
		var events []NotifyInfo
		handle, err := m.InstallNotification("/docs", func(info NotifyInfo) {
			events = append(events, info)
		})
		require.NoError(t, err)
		defer m.UninstallNotification(handle)

		f, err := m.Open("/docs/new.txt", WriteOnly)
		require.NoError(t, err)
		_, err = m.Open("/docs/new.txt", WriteOnly)
		assert.ErrorIs(t, err, ErrBusy)

		data, err := f.MapWrite(3)
		require.NoError(t, err)
		copy(data, "abc")

		_, err = m.Stat("/docs/new.txt")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, f.Unmap())
		require.NoError(t, f.Close())

		r, err := m.Open("/docs/new.txt", ReadOnly)
		require.NoError(t, err)
		content, err := r.Map()
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), content)
		require.NoError(t, r.Close())

		assert.Equal(t, []NotifyInfo{{Path: "/docs/new.txt", Type: FileCreated, Handle: handle}}, events)
	})

	t.Run("CloseDiscardsWrite", func(t *testing.T) {
		f, err := m.Open("/docs/readme.md", WriteOnly)
		require.NoError(t, err)
		data, err := f.MapWrite(100)
		require.NoError(t, err)
		copy(data, "xyz")
		require.NoError(t, f.Close())

		r, err := m.Open("/docs/readme.md", ReadOnly)
		require.NoError(t, err)
		content, err := r.Map()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), content)
		require.NoError(t, r.Close())
	})

	t.Run("OpenDirectory", func(t *testing.T) {
		_, err := m.Open("/docs", ReadOnly)
		assert.ErrorIs(t, err, ErrIsDirectory)
		_, err = m.Open("/docs", WriteOnly)
		assert.ErrorIs(t, err, ErrIsDirectory)
	})

	assert.Equal(t, -1, m.NotificationFD())
}
