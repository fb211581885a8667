package services

import (
	"context"
	"fmt"
	"io"
	"time"

	"mp3converter/models"
)

// ContentStore holds immutable blobs addressed by the id Put returns.
// Open reports models.ErrBlobNotFound for unknown ids; Delete of an absent id succeeds.
type ContentStore interface {
	Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error)
	Open(ctx context.Context, id models.BlobID) (io.ReadCloser, error)
	Deleter
}

// Deleter is the part of a content store a rollback needs.
type Deleter interface {
	Delete(ctx context.Context, id models.BlobID) error
}

// Publisher appends a message to a named durable queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Ledger records conversion bookkeeping. Implementations must tolerate
// duplicate calls since deliveries can repeat.
type Ledger interface {
	RecordConversion(ctx context.Context, job models.Job, status string) error
	RecordFailure(ctx context.Context, videoFID models.BlobID, errorMsg string) error
	RecordLeakedBlob(ctx context.Context, store string, id models.BlobID, reason string) error
}

var (
	_ ContentStore = (*S3Store)(nil)
	_ ContentStore = (*GCSStore)(nil)
	_ ContentStore = (*PebbleStore)(nil)
	_ Publisher    = (*RedisQueue)(nil)
	_ Ledger       = (*DatabaseService)(nil)
)

const rollbackTimeout = 30 * time.Second

// CompensatingDelete removes a blob whose downstream message could not be published.
// It runs detached from ctx so a cancelled request still cleans up after itself.
// A failure is reported as models.ErrRollback: the blob is leaked.
func CompensatingDelete(ctx context.Context, store Deleter, id models.BlobID) error {
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if err := store.Delete(delCtx, id); err != nil {
		return fmt.Errorf("%w: delete %s: %w", models.ErrRollback, id, err)
	}
	return nil
}
