package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mp3converter/models"

	"github.com/redis/go-redis/v9"
)

// Acknowledger settles a delivery with the broker it came from.
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeue bool) error
}

// Delivery is one message handed to a consumer. It stays in flight until
// Ack or Nack is called; an unsettled delivery is redelivered.
type Delivery struct {
	Queue   string
	Body    []byte
	Attempt int // 1 on first delivery

	acker Acknowledger
}

func NewDelivery(queue string, body []byte, attempt int, acker Acknowledger) *Delivery {
	return &Delivery{Queue: queue, Body: body, Attempt: attempt, acker: acker}
}

func (d *Delivery) Ack(ctx context.Context) error {
	return d.acker.Ack(ctx, d)
}

// Nack hands the message back. With requeue it goes to the back of the queue
// unless it has used up its deliveries, in which case it is dead-lettered.
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.acker.Nack(ctx, d, requeue)
}

// RedisQueue is a durable at-least-once queue on Redis lists.
//
// Publish LPUSHes onto <queue>. Each consumer atomically moves one message
// at a time into its own <queue>:processing:<consumer> list (BRPOPLPUSH), so
// a crash leaves the message recoverable. Delivery counts live in the
// <queue>:attempts hash; exhausted or rejected messages go to <queue>:dead.
// Durability across a broker restart depends on Redis persistence (AOF).
type RedisQueue struct {
	client       redis.UniversalClient
	maxAttempts  int
	blockTimeout time.Duration
	lease        time.Duration
}

type QueueOption func(*RedisQueue)

// WithMaxDeliveries caps deliveries per message. Zero means unlimited.
func WithMaxDeliveries(n int) QueueOption {
	return func(q *RedisQueue) { q.maxAttempts = n }
}

func WithBlockTimeout(d time.Duration) QueueOption {
	return func(q *RedisQueue) { q.blockTimeout = d }
}

// WithConsumerLease sets how long a consumer may go silent before its
// in-flight messages are considered orphaned.
func WithConsumerLease(d time.Duration) QueueOption {
	return func(q *RedisQueue) { q.lease = d }
}

func NewRedisQueue(client redis.UniversalClient, opts ...QueueOption) *RedisQueue {
	q := &RedisQueue{
		client:       client,
		maxAttempts:  5,
		blockTimeout: 30 * time.Second,
		lease:        time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.lease <= 0 {
		q.lease = time.Minute
	}
	return q
}

func processingKey(queue, consumer string) string { return queue + ":processing:" + consumer }
func attemptsKey(queue string) string             { return queue + ":attempts" }
func consumersKey(queue string) string            { return queue + ":consumers" }
func heartbeatKey(queue, consumer string) string  { return queue + ":consumer:" + consumer }

// DeadLetterKey names the list that holds messages that will not be retried.
func DeadLetterKey(queue string) string { return queue + ":dead" }

func messageKey(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}

// Publish appends body to queue. A nil error means Redis accepted the write.
func (q *RedisQueue) Publish(ctx context.Context, queue string, body []byte) error {
	if err := q.client.LPush(ctx, queue, body).Err(); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", models.ErrUpstream, queue, err)
	}
	return nil
}

// Consume registers a named consumer on queue. Anything left in that
// consumer's processing list by a previous run is put back first.
func (q *RedisQueue) Consume(ctx context.Context, queue, consumer string) (*RedisConsumer, error) {
	if err := q.client.SAdd(ctx, consumersKey(queue), consumer).Err(); err != nil {
		return nil, fmt.Errorf("%w: register consumer %s: %w", models.ErrUpstream, consumer, err)
	}
	if err := q.client.Set(ctx, heartbeatKey(queue, consumer), time.Now().Unix(), q.lease).Err(); err != nil {
		return nil, fmt.Errorf("%w: heartbeat %s: %w", models.ErrUpstream, consumer, err)
	}

	n, err := q.requeueAll(ctx, queue, processingKey(queue, consumer))
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Warn("requeued unacknowledged messages from previous run", "queue", queue, "consumer", consumer, "count", n)
	}

	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c := &RedisConsumer{
		queue:      q,
		name:       queue,
		consumer:   consumer,
		processing: processingKey(queue, consumer),
		stop:       stop,
	}
	c.wg.Add(1)
	go c.heartbeat(hbCtx)

	return c, nil
}

func (q *RedisQueue) requeueAll(ctx context.Context, queue, from string) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, from, queue).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: requeue %s: %w", models.ErrUpstream, from, err)
		}
		n++
	}
}

// RecoverOrphans hands the in-flight messages of consumers whose lease has
// expired back to the queue.
func (q *RedisQueue) RecoverOrphans(ctx context.Context, queue string) (int, error) {
	consumers, err := q.client.SMembers(ctx, consumersKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list consumers: %w", models.ErrUpstream, err)
	}

	recovered := 0
	for _, consumer := range consumers {
		alive, err := q.client.Exists(ctx, heartbeatKey(queue, consumer)).Result()
		if err != nil {
			return recovered, fmt.Errorf("%w: check consumer %s: %w", models.ErrUpstream, consumer, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.requeueAll(ctx, queue, processingKey(queue, consumer))
		recovered += n
		if err != nil {
			return recovered, err
		}
		q.client.SRem(ctx, consumersKey(queue), consumer)
	}

	return recovered, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	c, err := q.ownerOf(d)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.processing, 1, d.Body)
		pipe.HDel(ctx, attemptsKey(d.Queue), messageKey(d.Body))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: ack on %s: %w", models.ErrUpstream, d.Queue, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	c, err := q.ownerOf(d)
	if err != nil {
		return err
	}

	exhausted := q.maxAttempts > 0 && d.Attempt >= q.maxAttempts
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.processing, 1, d.Body)
		if requeue && !exhausted {
			pipe.LPush(ctx, d.Queue, d.Body)
			return nil
		}
		pipe.LPush(ctx, DeadLetterKey(d.Queue), d.Body)
		pipe.HDel(ctx, attemptsKey(d.Queue), messageKey(d.Body))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: nack on %s: %w", models.ErrUpstream, d.Queue, err)
	}

	if requeue && exhausted {
		slog.Warn("message dead-lettered after max deliveries", "queue", d.Queue, "attempts", d.Attempt)
	}
	return nil
}

func (q *RedisQueue) ownerOf(d *Delivery) (*RedisConsumer, error) {
	c, ok := d.acker.(*redisAcker)
	if !ok {
		return nil, fmt.Errorf("delivery on %s was not issued by this queue", d.Queue)
	}
	return c.consumer, nil
}

// redisAcker binds a delivery to the consumer whose processing list holds it.
type redisAcker struct {
	consumer *RedisConsumer
}

func (a *redisAcker) Ack(ctx context.Context, d *Delivery) error {
	return a.consumer.queue.Ack(ctx, d)
}

func (a *redisAcker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	return a.consumer.queue.Nack(ctx, d, requeue)
}

// RedisConsumer is one blocking reader of a queue.
type RedisConsumer struct {
	queue      *RedisQueue
	name       string
	consumer   string
	processing string

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Next blocks until a message is available or ctx is done.
func (c *RedisConsumer) Next(ctx context.Context) (*Delivery, error) {
	for {
		// Atomic pop from the queue and push to this consumer's processing list
		raw, err := c.queue.client.BRPopLPush(ctx, c.name, c.processing, c.queue.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			// Timeout, no jobs available
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: consume %s: %w", models.ErrUpstream, c.name, err)
		}

		body := []byte(raw)
		attempt, err := c.queue.client.HIncrBy(ctx, attemptsKey(c.name), messageKey(body), 1).Result()
		if err != nil {
			// The message is safe in the processing list; count it as a first delivery.
			slog.Warn("failed to count delivery", "queue", c.name, "error", err)
			attempt = 1
		}

		return NewDelivery(c.name, body, int(attempt), &redisAcker{consumer: c}), nil
	}
}

func (c *RedisConsumer) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.queue.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.queue.client.Set(ctx, heartbeatKey(c.name, c.consumer), time.Now().Unix(), c.queue.lease).Err()
			if err != nil && ctx.Err() == nil {
				slog.Warn("consumer heartbeat failed", "queue", c.name, "consumer", c.consumer, "error", err)
			}
		}
	}
}

// Close stops the heartbeat. Messages still in flight stay in the
// processing list and are requeued by the next Consume with this name.
func (c *RedisConsumer) Close() error {
	c.stop()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pending, err := c.queue.client.LLen(ctx, c.processing).Result()
	if err != nil {
		return fmt.Errorf("%w: close consumer %s: %w", models.ErrUpstream, c.consumer, err)
	}
	if pending == 0 {
		c.queue.client.SRem(ctx, consumersKey(c.name), c.consumer)
		c.queue.client.Del(ctx, heartbeatKey(c.name, c.consumer))
	}
	return nil
}
