// Package media uploads attachments for media messages.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// ProgressFunc receives bytes sent so far and the total, which is 0 when
// unknown.
type ProgressFunc func(sent, total int64)

// Handle is an attachment chosen by the user.
type Handle struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FileHandle returns a handle over a local file.
func FileHandle(p string) (Handle, error) {
	info, err := os.Stat(p)
	if err != nil {
		return Handle{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return Handle{}, fmt.Errorf("attachment %s is a directory", p)
	}
	return Handle{
		Name: filepath.Base(p),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(p) },
	}, nil
}

// BytesHandle returns a handle over an in-memory attachment.
func BytesHandle(name string, data []byte) Handle {
	return Handle{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// Sniff detects the attachment's MIME type from its content.
func Sniff(h Handle) (string, error) {
	rc, err := h.Open()
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = rc.Close() }()
	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", fmt.Errorf("detect attachment type: %w", err)
	}
	return mt.String(), nil
}

// ObjectPath is where a chat's attachment is stored: chats/{chat}/{message}{ext}.
func ObjectPath(chatID, messageID, contentType string) string {
	ext := ""
	if mt := mimetype.Lookup(contentType); mt != nil {
		ext = mt.Extension()
	}
	return path.Join("chats", chatID, messageID+ext)
}

// Uploader stores attachments and returns their public URL.
type Uploader interface {
	Upload(ctx context.Context, h Handle, dest, contentType string, onProgress ProgressFunc) (string, error)
}

type progressReader struct {
	r          io.Reader
	sent       int64
	total      int64
	onProgress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent, p.total)
		}
	}
	return n, err
}
