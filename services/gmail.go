package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"mp3converter/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// GmailService defines the interface for Gmail API operations
// This allows mocking the Gmail API in tests
type GmailService interface {
	SendMessage(ctx context.Context, userID string, message *gmail.Message) (*gmail.Message, error)
}

// GoogleGmailService is the production implementation using the Gmail API
type GoogleGmailService struct {
	service *gmail.Service
}

func (s *GoogleGmailService) SendMessage(ctx context.Context, userID string, message *gmail.Message) (*gmail.Message, error) {
	return s.service.Users.Messages.Send(userID, message).Context(ctx).Do()
}

// NewGoogleGmailService builds an API client from OAuth client credentials and
// a previously authorised token. The token is refreshed as needed.
func NewGoogleGmailService(ctx context.Context, credentialsFile, tokenFile string) (*GoogleGmailService, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read OAuth credentials file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse OAuth credentials: %w", err)
	}

	token, err := loadToken(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to load OAuth token: %w", err)
	}

	client := oauth2.NewClient(ctx, config.TokenSource(ctx, token))
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create gmail service: %w", err)
	}

	return &GoogleGmailService{service: srv}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, err
	}
	return &token, nil
}

// GmailNotifier sends notifications through the Gmail API.
type GmailNotifier struct {
	svc  GmailService
	from string
}

func NewGmailNotifier(svc GmailService, from string) *GmailNotifier {
	return &GmailNotifier{svc: svc, from: from}
}

func (g *GmailNotifier) Send(ctx context.Context, msg models.Email) error {
	message := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(buildMessage(g.from, msg, time.Now())),
	}

	if _, err := g.svc.SendMessage(ctx, "me", message); err != nil {
		return fmt.Errorf("%w: gmail send to %s: %w", models.ErrUpstream, msg.To, err)
	}
	return nil
}

var _ Notifier = (*GmailNotifier)(nil)
