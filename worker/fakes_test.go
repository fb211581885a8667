package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"mp3converter/models"
	"mp3converter/services"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// memBroker is an in-process queue with the same settle semantics as the Redis broker.
type memBroker struct {
	mu          sync.Mutex
	queues      map[string][]memMsg
	dead        map[string][][]byte
	acked       map[string]int
	failPublish map[string]error
}

type memMsg struct {
	body    []byte
	attempt int
}

func newMemBroker() *memBroker {
	return &memBroker{
		queues:      make(map[string][]memMsg),
		dead:        make(map[string][][]byte),
		acked:       make(map[string]int),
		failPublish: make(map[string]error),
	}
}

func (b *memBroker) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.failPublish[queue]; err != nil {
		return fmt.Errorf("%w: publish to %s: %w", models.ErrUpstream, queue, err)
	}
	b.queues[queue] = append(b.queues[queue], memMsg{body: append([]byte(nil), body...)})
	return nil
}

func (b *memBroker) failPublishing(queue string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublish[queue] = err
}

func (b *memBroker) pending(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, 0, len(b.queues[queue]))
	for _, m := range b.queues[queue] {
		out = append(out, m.body)
	}
	return out
}

func (b *memBroker) deadLetters(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead[queue]
}

func (b *memBroker) ackCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[queue]
}

func (b *memBroker) take(queue string) (*services.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.queues[queue]
	if len(msgs) == 0 {
		return nil, false
	}
	m := msgs[0]
	b.queues[queue] = msgs[1:]
	return services.NewDelivery(queue, m.body, m.attempt+1, b), true
}

func (b *memBroker) Ack(ctx context.Context, d *services.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked[d.Queue]++
	return nil
}

func (b *memBroker) Nack(ctx context.Context, d *services.Delivery, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.queues[d.Queue] = append(b.queues[d.Queue], memMsg{body: d.Body, attempt: d.Attempt})
		return nil
	}
	b.dead[d.Queue] = append(b.dead[d.Queue], d.Body)
	return nil
}

// opener hands out polling consumers on queue.
func (b *memBroker) opener(queue string) Opener {
	return func(ctx context.Context, consumer string) (Consumer, error) {
		return &memConsumer{broker: b, queue: queue}, nil
	}
}

type memConsumer struct {
	broker *memBroker
	queue  string
}

func (c *memConsumer) Next(ctx context.Context) (*services.Delivery, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if d, ok := c.broker.take(c.queue); ok {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *memConsumer) Close() error { return nil }

// deliverOne runs the next message on queue through the pool's dispatch path.
func deliverOne(t *testing.T, b *memBroker, queue string, h Handler) {
	t.Helper()
	d, ok := b.take(queue)
	if !ok {
		t.Fatalf("queue %s is empty", queue)
	}
	p := NewPool(queue, b.opener(queue), h, WithHandleTimeout(10*time.Second))
	p.dispatch(context.Background(), slog.Default(), d)
}

// trackingStore wraps a real store and remembers every id it issued.
type trackingStore struct {
	services.ContentStore
	mu        sync.Mutex
	puts      []models.BlobID
	deleteErr error
	putErr    error
}

func newTrackingStore(t *testing.T, prefix string) *trackingStore {
	t.Helper()
	db, err := services.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &trackingStore{ContentStore: services.NewPebbleStore(db, prefix)}
}

func (s *trackingStore) Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error) {
	if s.putErr != nil {
		return "", s.putErr
	}
	id, err := s.ContentStore.Put(ctx, r, contentType)
	if err == nil {
		s.mu.Lock()
		s.puts = append(s.puts, id)
		s.mu.Unlock()
	}
	return id, err
}

func (s *trackingStore) Delete(ctx context.Context, id models.BlobID) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.ContentStore.Delete(ctx, id)
}

// live returns the issued ids that can still be opened.
func (s *trackingStore) live(t *testing.T) []models.BlobID {
	t.Helper()
	s.mu.Lock()
	ids := append([]models.BlobID(nil), s.puts...)
	s.mu.Unlock()

	var out []models.BlobID
	for _, id := range ids {
		rc, err := s.ContentStore.Open(context.Background(), id)
		if errors.Is(err, models.ErrBlobNotFound) {
			continue
		}
		if err != nil {
			t.Fatalf("Open(%s) error = %v", id, err)
		}
		_ = rc.Close()
		out = append(out, id)
	}
	return out
}

func (s *trackingStore) read(t *testing.T, id models.BlobID) string {
	t.Helper()
	rc, err := s.ContentStore.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", id, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

func (s *trackingStore) seed(t *testing.T, content string) models.BlobID {
	t.Helper()
	id, err := s.ContentStore.Put(context.Background(), bytes.NewReader([]byte(content)), "video/mp4")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return id
}

// fakeExtractor "encodes" by prefixing the input bytes.
type fakeExtractor struct {
	mu     sync.Mutex
	err    error
	inputs []string
}

func (f *fakeExtractor) Extract(ctx context.Context, inputPath, outputPath string) error {
	f.mu.Lock()
	f.inputs = append(f.inputs, inputPath)
	f.mu.Unlock()

	if f.err != nil {
		return fmt.Errorf("%w: %w", models.ErrTransform, f.err)
	}
	in, err := os.ReadFile(inputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, append([]byte("mp3:"), in...), 0644)
}

// fakeLedger records calls.
type fakeLedger struct {
	mu       sync.Mutex
	statuses []string
	failures []models.BlobID
	leaked   []models.BlobID
}

func (l *fakeLedger) RecordConversion(ctx context.Context, job models.Job, status string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	return nil
}

func (l *fakeLedger) RecordFailure(ctx context.Context, videoFID models.BlobID, errorMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, videoFID)
	return nil
}

func (l *fakeLedger) RecordLeakedBlob(ctx context.Context, store string, id models.BlobID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaked = append(l.leaked, id)
	return nil
}

// fakeNotifier records emails.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []models.Email
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, msg models.Email) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return fmt.Errorf("%w: %w", models.ErrUpstream, n.err)
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) emails() []models.Email {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Email(nil), n.sent...)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s) error = %v", dir, err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch files left behind in %s: %v", dir, entries)
	}
}
