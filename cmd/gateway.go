package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mp3converter/config"
	"mp3converter/gateway"
	"mp3converter/services"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve uploads and downloads over HTTP",
	RunE:  runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	verifier, authenticator, err := newIdentity(cfg)
	if err != nil {
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

	orchestrator := gateway.NewUploadOrchestrator(videos, newQueue(client, cfg), cfg.VideoQueue, ledger)
	handler := gateway.NewHandler(orchestrator, mp3s, verifier, authenticator, cfg.MaxUploadMB)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", cfg.HTTPAddr, "video_queue", cfg.VideoQueue, "store", cfg.StoreBackend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown timeout, forcing exit", "error", err)
	}

	slog.Info("gateway stopped")
	return nil
}

// newIdentity prefers local verification with a shared secret and falls
// back to asking the auth service. Login is only served when the auth
// service is configured.
func newIdentity(cfg *config.Config) (services.Verifier, gateway.Authenticator, error) {
	var authenticator gateway.Authenticator
	var authClient *services.AuthServiceClient
	if cfg.AuthSvcAddress != "" {
		authClient = services.NewAuthServiceClient(cfg.AuthSvcAddress)
		authenticator = authClient
	}

	switch {
	case cfg.JWTSecret != "":
		v, err := services.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		return v, authenticator, nil
	case authClient != nil:
		return authClient, authenticator, nil
	default:
		return nil, nil, errors.New("either JWT_SECRET or AUTH_SVC_ADDRESS must be set")
	}
}
