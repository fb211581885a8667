package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mp3converter/config"
	"mp3converter/services"
	"mp3converter/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			slog.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		// BRPOPLPUSH blocks for the block timeout; reads must outlast it.
		ReadTimeout: cfg.QueueBlockTimeout + 5*time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("connected to Redis", "addr", cfg.RedisAddr)
	return client, nil
}

func newQueue(client redis.UniversalClient, cfg *config.Config) *services.RedisQueue {
	return services.NewRedisQueue(client,
		services.WithMaxDeliveries(cfg.MaxDeliveries),
		services.WithBlockTimeout(cfg.QueueBlockTimeout),
		services.WithConsumerLease(cfg.ConsumerLease),
	)
}

func redisOpener(q *services.RedisQueue, queue string) worker.Opener {
	return func(ctx context.Context, consumer string) (worker.Consumer, error) {
		c, err := q.Consume(ctx, queue, consumer)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// newStores opens the video and mp3 stores for the configured backend.
func newStores(ctx context.Context, cfg *config.Config) (videos, mp3s services.ContentStore, closeFn func(), err error) {
	switch cfg.StoreBackend {
	case "s3":
		sess, err := services.NewS3Session(cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return services.NewS3Store(sess, cfg.VideoBucket), services.NewS3Store(sess, cfg.MP3Bucket), func() {}, nil

	case "gcs":
		client, err := services.NewGCSClient(ctx, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() { _ = client.Close() }
		return services.NewGCSStore(client, cfg.VideoBucket), services.NewGCSStore(client, cfg.MP3Bucket), closeFn, nil

	case "pebble":
		db, err := services.OpenPebble(cfg.PebbleDir, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				slog.Warn("failed to close blob store", "error", err)
			}
		}
		return services.NewPebbleStore(db, cfg.VideoBucket), services.NewPebbleStore(db, cfg.MP3Bucket), closeFn, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_BACKEND %q (want s3, gcs or pebble)", cfg.StoreBackend)
	}
}

// newLedger connects the conversion ledger. It returns a nil Ledger when no
// database is configured.
func newLedger(ctx context.Context, cfg *config.Config) (services.Ledger, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Info("no database configured, conversion ledger disabled")
		return nil, func() {}, nil
	}

	db, err := services.NewDatabaseService(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	slog.Info("connected to database")
	return db, func() { _ = db.Close() }, nil
}

// serveMetrics exposes /metrics on addr until ctx is done. An empty addr disables it.
func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
