package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"mp3converter/config"
	"mp3converter/services"
	"mp3converter/worker"

	"github.com/spf13/cobra"
)

var notificationCmd = &cobra.Command{
	Use:   "notification",
	Short: "Consume completion events and email the owners",
	RunE:  runNotification,
}

func init() {
	rootCmd.AddCommand(notificationCmd)
}

func runNotification(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return err
	}

	client, err := newRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	ledger, closeLedger, err := newLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLedger()

	q := newQueue(client, cfg)
	nw := worker.NewNotificationWorker(notifier, ledger)

	pool := worker.NewPool(cfg.MP3Queue, redisOpener(q, cfg.MP3Queue), nw,
		worker.WithWorkers(cfg.WorkerCount),
		worker.WithConsumerName(cfg.ConsumerName+"-notification"),
		worker.WithHandleTimeout(cfg.ProcessTimeout()),
		worker.WithRecovery(q, cfg.ConsumerLease),
	)

	serveMetrics(ctx, cfg.MetricsAddr)

	slog.Info("notification worker ready", "mp3_queue", cfg.MP3Queue, "notifier", cfg.Notifier)
	if err := pool.Run(ctx); err != nil {
		return fmt.Errorf("notification worker stopped: %w", err)
	}
	slog.Info("notification worker stopped")
	return nil
}

func newNotifier(ctx context.Context, cfg *config.Config) (services.Notifier, error) {
	if cfg.SenderAddress == "" {
		return nil, fmt.Errorf("GMAIL_ADDRESS must be set")
	}

	switch cfg.Notifier {
	case "smtp":
		return services.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SenderAddress, cfg.SenderPassword), nil
	case "gmail":
		svc, err := services.NewGoogleGmailService(ctx, cfg.GmailCredentials, cfg.GmailTokenFile)
		if err != nil {
			return nil, err
		}
		return services.NewGmailNotifier(svc, cfg.SenderAddress), nil
	default:
		return nil, fmt.Errorf("unknown NOTIFIER %q (want smtp or gmail)", cfg.Notifier)
	}
}
