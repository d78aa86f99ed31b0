package media

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCS uploads to a Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS returns an uploader for bucket.
func NewGCS(client *storage.Client, bucket string) *GCS {
	return &GCS{client: client, bucket: bucket}
}

func (g *GCS) Upload(ctx context.Context, h Handle, dest, contentType string, onProgress ProgressFunc) (string, error) {
	rc, err := h.Open()
	if err != nil {
		return "", fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = rc.Close() }()

	wc := g.client.Bucket(g.bucket).Object(dest).NewWriter(ctx)
	wc.ContentType = contentType
	wc.CacheControl = "private, max-age=86400"
	wc.Metadata = map[string]string{"original_name": h.Name}

	src := &progressReader{r: rc, total: h.Size, onProgress: onProgress}
	if _, err := io.Copy(wc, src); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("upload %s: %w", dest, err)
	}
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("finalize upload %s: %w", dest, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", g.bucket, dest), nil
}

// Close releases the storage client.
func (g *GCS) Close() error {
	return g.client.Close()
}
