package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"mp3converter/models"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// PebbleStore keeps blobs in an embedded Pebble database for single-node
// deployments. Several stores can share one database under distinct prefixes.
type PebbleStore struct {
	db     *pebble.DB
	prefix string
}

// OpenPebble opens (or creates) the database at dir.
func OpenPebble(dir string, opts *pebble.Options) (*pebble.DB, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	return db, nil
}

func NewPebbleStore(db *pebble.DB, prefix string) *PebbleStore {
	return &PebbleStore{db: db, prefix: prefix + "/"}
}

func (p *PebbleStore) key(id models.BlobID) []byte {
	return []byte(p.prefix + string(id))
}

func (p *PebbleStore) Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read blob: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := models.BlobID(uuid.NewString())
	if err := p.db.Set(p.key(id), data, pebble.Sync); err != nil {
		return "", fmt.Errorf("%w: failed to store blob: %w", models.ErrUpstream, err)
	}
	return id, nil
}

func (p *PebbleStore) Open(ctx context.Context, id models.BlobID) (io.ReadCloser, error) {
	data, closer, err := p.db.Get(p.key(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("%s%s: %w", p.prefix, id, models.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("%w: failed to get blob: %w", models.ErrUpstream, err)
	}
	defer closer.Close()

	// data is only valid until closer.Close
	buf := make([]byte, len(data))
	copy(buf, data)
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Delete writes a tombstone; deleting an absent key is not an error in Pebble.
func (p *PebbleStore) Delete(ctx context.Context, id models.BlobID) error {
	if err := p.db.Delete(p.key(id), pebble.Sync); err != nil {
		return fmt.Errorf("%w: failed to delete blob: %w", models.ErrUpstream, err)
	}
	return nil
}
