package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"mp3converter/metrics"
	"mp3converter/models"
	"mp3converter/services"

	"golang.org/x/sync/errgroup"
)

// Consumer is one blocking reader of a queue.
type Consumer interface {
	Next(ctx context.Context) (*services.Delivery, error)
	Close() error
}

// Opener registers a named consumer on the pool's queue.
type Opener func(ctx context.Context, consumer string) (Consumer, error)

// Handler processes one delivery. A nil error acks it; models.ErrValidation
// and models.ErrBlobNotFound dead-letter it; anything else requeues it.
type Handler interface {
	Handle(ctx context.Context, d *services.Delivery) error
}

// Recoverer puts back the in-flight messages of consumers that died.
type Recoverer interface {
	RecoverOrphans(ctx context.Context, queue string) (int, error)
}

type Pool struct {
	queue            string
	open             Opener
	handler          Handler
	workers          int
	consumerName     string
	handleTimeout    time.Duration
	recoverer        Recoverer
	recoveryInterval time.Duration
	retryBackoff     time.Duration
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithConsumerName sets the base name; worker i consumes as <name>-<i>.
// It must be stable across restarts for a process to reclaim its own in-flight messages.
func WithConsumerName(name string) PoolOption {
	return func(p *Pool) { p.consumerName = name }
}

// WithHandleTimeout bounds a single delivery, including after shutdown begins.
func WithHandleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.handleTimeout = d }
}

func WithRecovery(r Recoverer, interval time.Duration) PoolOption {
	return func(p *Pool) {
		p.recoverer = r
		p.recoveryInterval = interval
	}
}

func NewPool(queue string, open Opener, handler Handler, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:            queue,
		open:             open,
		handler:          handler,
		workers:          1,
		consumerName:     queue,
		handleTimeout:    5 * time.Minute,
		recoveryInterval: 5 * time.Minute,
		retryBackoff:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Run starts the workers and the recovery loop and blocks until ctx is
// cancelled and every in-flight delivery has been settled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.StartWorker(ctx, workerID)
		})
	}

	if p.recoverer != nil && p.recoveryInterval > 0 {
		g.Go(func() error {
			p.RecoveryLoop(ctx)
			return nil
		})
	}

	slog.Info("worker pool started", "queue", p.queue, "workers", p.workers)
	return g.Wait()
}

// StartWorker runs one consume loop. It returns nil on cancellation and an
// error only if the consumer cannot be registered.
func (p *Pool) StartWorker(ctx context.Context, workerID int) error {
	name := fmt.Sprintf("%s-%d", p.consumerName, workerID)
	log := slog.With("worker", name, "queue", p.queue)

	consumer, err := p.open(ctx, name)
	if err != nil {
		return fmt.Errorf("start consumer %s: %w", name, err)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			log.Warn("failed to close consumer", "error", err)
		}
	}()

	log.Info("starting")
	for {
		d, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return nil
			}
			log.Error("queue error", "error", err)
			if !sleepCtx(ctx, p.retryBackoff) {
				log.Info("shutting down")
				return nil
			}
			continue
		}

		p.dispatch(ctx, log, d)
	}
}

// dispatch handles d to completion. It detaches from ctx so that a shutdown
// signal lets the current delivery finish and settle instead of abandoning it.
func (p *Pool) dispatch(ctx context.Context, log *slog.Logger, d *services.Delivery) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.handleTimeout)
	defer cancel()

	log = log.With("attempt", d.Attempt)
	metrics.InFlight.WithLabelValues(p.queue).Inc()
	start := time.Now()

	err := p.safeHandle(hctx, d)

	metrics.HandleDuration.WithLabelValues(p.queue).Observe(time.Since(start).Seconds())
	metrics.InFlight.WithLabelValues(p.queue).Dec()

	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSettle()

	outcome := metrics.OutcomeAck
	var settleErr error
	switch {
	case err == nil:
		settleErr = d.Ack(settleCtx)
	case permanent(err):
		outcome = metrics.OutcomeDeadLetter
		log.Error("rejecting message", "error", err)
		settleErr = d.Nack(settleCtx, false)
	default:
		outcome = metrics.OutcomeRequeue
		log.Warn("handling failed, requeueing", "error", err)
		settleErr = d.Nack(settleCtx, true)
	}

	if settleErr != nil {
		// The message stays in this consumer's processing list and comes back on restart.
		outcome = metrics.OutcomeSettleFailed
		log.Error("failed to settle delivery", "error", settleErr)
	}
	metrics.Deliveries.WithLabelValues(p.queue, outcome).Inc()
}

func (p *Pool) safeHandle(ctx context.Context, d *services.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "queue", p.queue, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, d)
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrBlobNotFound)
}

func (p *Pool) RecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()

	slog.Info("starting orphan recovery loop", "queue", p.queue, "interval", p.recoveryInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.recoverer.RecoverOrphans(ctx, p.queue)
			if err != nil && ctx.Err() == nil {
				slog.Error("orphan recovery failed", "queue", p.queue, "error", err)
			}
			if n > 0 {
				metrics.RecoveredMessages.WithLabelValues(p.queue).Add(float64(n))
				slog.Info("recovered orphaned messages", "queue", p.queue, "count", n)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
