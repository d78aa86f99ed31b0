package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestSniff(t *testing.T) {
	ct, err := Sniff(BytesHandle("x", pngHeader))
	require.NoError(t, err)
	require.Equal(t, "image/png", ct)

	ct, err = Sniff(BytesHandle("notes.txt", []byte("just some text")))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(ct, "text/plain"))
}

func TestObjectPath(t *testing.T) {
	require.Equal(t, "chats/c1/m1.png", ObjectPath("c1", "m1", "image/png"))
	require.Equal(t, "chats/c1/m1", ObjectPath("c1", "m1", "application/x-unknown-thing"))
}

func TestFileHandle(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(p, pngHeader, 0o600))

	h, err := FileHandle(p)
	require.NoError(t, err)
	require.Equal(t, "a.png", h.Name)
	require.EqualValues(t, len(pngHeader), h.Size)

	_, err = FileHandle(dir)
	require.Error(t, err)
	_, err = FileHandle(filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestLocalUploadReportsProgress(t *testing.T) {
	root := t.TempDir()
	data := []byte(strings.Repeat("x", 100_000))
	var last, total int64

	u, err := NewLocal(root).Upload(context.Background(), BytesHandle("big.txt", data), "chats/c1/m1.txt", "text/plain",
		func(sent, tot int64) { last, total = sent, tot })
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "file://"))
	require.EqualValues(t, len(data), last)
	require.EqualValues(t, len(data), total)

	got, err := os.ReadFile(filepath.Join(root, "chats", "c1", "m1.txt"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestLocalUploadHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocal(t.TempDir()).Upload(ctx, BytesHandle("a", []byte("abc")), "chats/c1/m1", "", nil)
	require.Error(t, err)
}
