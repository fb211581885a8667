package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"mp3converter/models"
	"mp3converter/services"
)

type handlerFunc func(ctx context.Context, d *services.Delivery) error

func (f handlerFunc) Handle(ctx context.Context, d *services.Delivery) error { return f(ctx, d) }

func TestPool_DispatchSettlesEveryDelivery(t *testing.T) {
	b := newMemBroker()
	h := handlerFunc(func(ctx context.Context, d *services.Delivery) error {
		switch string(d.Body) {
		case "ok":
			return nil
		case "invalid":
			return fmt.Errorf("%w: bad payload", models.ErrValidation)
		case "missing":
			return fmt.Errorf("blob x: %w", models.ErrBlobNotFound)
		case "panic":
			panic("boom")
		default:
			return fmt.Errorf("%w: store down", models.ErrUpstream)
		}
	})

	for _, body := range []string{"ok", "invalid", "missing", "panic", "flaky"} {
		_ = b.Publish(context.Background(), "video", []byte(body))
	}
	for i := 0; i < 5; i++ {
		deliverOne(t, b, "video", h)
	}

	if n := b.ackCount("video"); n != 1 {
		t.Errorf("acked = %d, want 1", n)
	}
	if dead := b.deadLetters("video"); len(dead) != 2 {
		t.Errorf("dead letters = %q, want invalid and missing", dead)
	}
	requeued := b.pending("video")
	if len(requeued) != 2 || string(requeued[0]) != "panic" || string(requeued[1]) != "flaky" {
		t.Errorf("requeued = %q, want panic and flaky", requeued)
	}
}

func TestPool_RunConsumesUntilCancelled(t *testing.T) {
	b := newMemBroker()
	handled := make(chan string, 10)
	h := handlerFunc(func(ctx context.Context, d *services.Delivery) error {
		handled <- string(d.Body)
		return nil
	})

	for i := 0; i < 6; i++ {
		_ = b.Publish(context.Background(), "mp3", []byte(fmt.Sprintf("m%d", i)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool("mp3", b.opener("mp3"), h, WithWorkers(3), WithConsumerName("test"))

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	seen := map[string]bool{}
	for len(seen) < 6 {
		select {
		case body := <-handled:
			seen[body] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("only handled %d messages", len(seen))
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	if n := b.ackCount("mp3"); n != 6 {
		t.Fatalf("acked = %d, want 6", n)
	}
}

func TestPool_ShutdownFinishesInFlight(t *testing.T) {
	b := newMemBroker()
	started := make(chan struct{})
	release := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, d *services.Delivery) error {
		close(started)
		<-release
		return ctx.Err()
	})
	_ = b.Publish(context.Background(), "video", []byte("slow"))

	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool("video", b.opener("video"), h)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if n := b.ackCount("video"); n != 1 {
		t.Fatalf("in-flight delivery was not acked after shutdown, acked = %d", n)
	}
}

func TestPool_OpenFailure(t *testing.T) {
	open := func(ctx context.Context, consumer string) (Consumer, error) {
		return nil, errors.New("redis down")
	}
	p := NewPool("video", open, handlerFunc(func(context.Context, *services.Delivery) error { return nil }))

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected Run() to fail when no consumer can be opened")
	}
}

type countingRecoverer struct {
	calls chan string
}

func (r *countingRecoverer) RecoverOrphans(ctx context.Context, queue string) (int, error) {
	select {
	case r.calls <- queue:
	default:
	}
	return 1, nil
}

func TestPool_RecoveryLoop(t *testing.T) {
	r := &countingRecoverer{calls: make(chan string, 1)}
	p := NewPool("video", nil, nil, WithRecovery(r, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.RecoveryLoop(ctx)

	select {
	case q := <-r.calls:
		if q != "video" {
			t.Fatalf("recovered queue %q", q)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery never ran")
	}
}
