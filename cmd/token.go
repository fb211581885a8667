package cmd

import (
	"errors"
	"fmt"
	"time"

	"mp3converter/models"
	"mp3converter/services"

	"github.com/spf13/cobra"
)

var (
	tokenUsername string
	tokenAdmin    bool
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token for the gateway",
	Long: `Issue an HS256 token signed with JWT_SECRET, for deployments that verify
tokens locally instead of through the auth service.

Example:
  mp3converter token --username admin@example.com --admin --ttl 24h`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "Email address the token is issued to")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant upload and download rights")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")

	tokenCmd.MarkFlagRequired("username")
}

func runToken(cmd *cobra.Command, args []string) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	claims := models.Claims{Username: tokenUsername, Admin: tokenAdmin}
	if err := models.Validate(claims); err != nil {
		return err
	}

	v, err := services.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	token, err := v.Sign(claims, tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
