package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"mp3converter/models"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

func newMemPebble(t *testing.T) *pebble.DB {
	t.Helper()

	db, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPebbleStore_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	db := newMemPebble(t)
	videos := NewPebbleStore(db, "videos")
	mp3s := NewPebbleStore(db, "mp3s")

	id, err := videos.Put(ctx, bytes.NewReader([]byte("video bytes")), "video/mp4")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rc, err := videos.Open(ctx, id)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "video bytes" {
		t.Fatalf("Open() = %q", got)
	}

	// ids are not interchangeable between stores
	if _, err := mp3s.Open(ctx, id); !errors.Is(err, models.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound from other store, got %v", err)
	}

	if err := videos.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := videos.Open(ctx, id); !errors.Is(err, models.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound after delete, got %v", err)
	}

	// deleting twice is fine
	if err := videos.Delete(ctx, id); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
}

type failingDeleter struct{ err error }

func (f failingDeleter) Delete(ctx context.Context, id models.BlobID) error { return f.err }

func TestCompensatingDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	db := newMemPebble(t)
	store := NewPebbleStore(db, "videos")
	id, err := store.Put(context.Background(), bytes.NewReader([]byte("x")), "video/mp4")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// runs even though the caller's context is gone
	if err := CompensatingDelete(ctx, store, id); err != nil {
		t.Fatalf("CompensatingDelete() error = %v", err)
	}
	if _, err := store.Open(context.Background(), id); !errors.Is(err, models.ErrBlobNotFound) {
		t.Fatalf("blob survived rollback: %v", err)
	}

	err = CompensatingDelete(context.Background(), failingDeleter{err: errors.New("boom")}, "leaked")
	if !errors.Is(err, models.ErrRollback) {
		t.Fatalf("expected ErrRollback, got %v", err)
	}
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
	deleted []string
}

func (f *fakeS3) GetObjectWithContext(ctx context.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "missing", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx context.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *in.Key)
	delete(f.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_OpenAndDelete(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{"abc": []byte("mp3")}}
	store := &S3Store{client: fake, bucket: "mp3s"}

	rc, err := store.Open(ctx, "abc")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "mp3" {
		t.Fatalf("Open() = %q", data)
	}

	if err := store.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Open(ctx, "abc"); !errors.Is(err, models.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
	if len(fake.deleted) != 1 || fake.deleted[0] != "abc" {
		t.Fatalf("unexpected deletes: %v", fake.deleted)
	}
}
