package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// Local copies attachments under a directory and returns file:// URLs.
// It backs the in-memory remote store.
type Local struct {
	root string
}

// NewLocal stores attachments under root.
func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Upload(ctx context.Context, h Handle, dest, _ string, onProgress ProgressFunc) (string, error) {
	rc, err := h.Open()
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = rc.Close() }()

	target := filepath.Join(l.root, filepath.FromSlash(dest))
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	src := &progressReader{r: rc, total: h.Size, onProgress: onProgress}
	if _, err := io.Copy(f, readerWithContext{ctx: ctx, r: src}); err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("copy attachment: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(b []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(b)
}
