package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mp3converter/models"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs as objects in a Google Cloud Storage bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSClient opens a client with a service account file, or application
// default credentials when credentialsFile is empty.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return client, nil
}

func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), name: bucket}
}

func (g *GCSStore) Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error) {
	key := uuid.NewString()

	wc := g.bucket.Object(key).NewWriter(ctx)
	wc.ContentType = contentType

	if _, err := io.Copy(wc, r); err != nil {
		_ = wc.Close()
		return "", fmt.Errorf("%w: io.Copy to gs://%s/%s: %w", models.ErrUpstream, g.name, key, err)
	}

	// Close commits the object; nothing is visible before it returns.
	if err := wc.Close(); err != nil {
		return "", fmt.Errorf("%w: Writer.Close gs://%s/%s: %w", models.ErrUpstream, g.name, key, err)
	}

	return models.BlobID(key), nil
}

func (g *GCSStore) Open(ctx context.Context, id models.BlobID) (io.ReadCloser, error) {
	rc, err := g.bucket.Object(string(id)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", g.name, id, models.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("%w: NewReader gs://%s/%s: %w", models.ErrUpstream, g.name, id, err)
	}
	return rc, nil
}

func (g *GCSStore) Delete(ctx context.Context, id models.BlobID) error {
	err := g.bucket.Object(string(id)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: delete gs://%s/%s: %w", models.ErrUpstream, g.name, id, err)
	}
	return nil
}
