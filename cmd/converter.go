package cmd

import (
	"fmt"
	"log/slog"

	"mp3converter/services"
	"mp3converter/worker"

	"github.com/spf13/cobra"
)

var converterCmd = &cobra.Command{
	Use:   "converter",
	Short: "Consume conversion jobs and extract MP3 audio",
	RunE:  runConverter,
}

func init() {
	rootCmd.AddCommand(converterCmd)
}

func runConverter(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	extractor := services.NewExtractor(
		services.WithFFmpegPath(cfg.FFmpegPath),
		services.WithBitrate(cfg.AudioBitrate),
	)
	if err := extractor.VerifyInstalled(ctx); err != nil {
		return err
	}

	client, err := newRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	videos, mp3s, closeStores, err := newStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	ledger, closeLedger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	q := newQueue(client, cfg)
	cw := worker.NewConversionWorker(videos, mp3s, extractor, q, cfg.MP3Queue,
		worker.WithTempDir(cfg.TempDir),
		worker.WithConversionLedger(ledger),
	)

	pool := worker.NewPool(cfg.VideoQueue, redisOpener(q, cfg.VideoQueue), cw,
		worker.WithWorkers(cfg.WorkerCount),
		worker.WithConsumerName(cfg.ConsumerName+"-converter"),
		worker.WithHandleTimeout(cfg.ProcessTimeout()),
		worker.WithRecovery(q, cfg.ConsumerLease),
	)

	serveMetrics(ctx, cfg.MetricsAddr)

	slog.Info("converter ready", "video_queue", cfg.VideoQueue, "mp3_queue", cfg.MP3Queue, "store", cfg.StoreBackend)
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("converter stopped: %w", err)
	}
	slog.Info("converter stopped")
	return nil
}
