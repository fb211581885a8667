package worker

import (
	"context"
	"fmt"
	"log/slog"

	"mp3converter/models"
	"mp3converter/services"
)

const notificationSubject = "MP3 Download"

// NotificationWorker tells owners their MP3 is ready.
type NotificationWorker struct {
	notifier services.Notifier
	ledger   services.Ledger
}

func NewNotificationWorker(notifier services.Notifier, ledger services.Ledger) *NotificationWorker {
	return &NotificationWorker{notifier: notifier, ledger: ledger}
}

func (w *NotificationWorker) Handle(ctx context.Context, d *services.Delivery) error {
	ev, err := models.DecodeCompletionEvent(d.Body)
	if err != nil {
		return err
	}

	if err := w.Notify(ctx, ev); err != nil {
		return err
	}

	slog.Info("notification sent", "mp3_fid", ev.MP3FID, "attempt", d.Attempt)
	return nil
}

// Notify emails the owner. A redelivered event sends a second email.
func (w *NotificationWorker) Notify(ctx context.Context, ev models.CompletionEvent) error {
	if err := w.notifier.Send(ctx, ReadyEmail(ev)); err != nil {
		return err
	}

	if w.ledger != nil {
		mp3FID := ev.MP3FID
		job := models.Job{VideoFID: ev.VideoFID, MP3FID: &mp3FID, Username: ev.Username}
		if err := w.ledger.RecordConversion(ctx, job, services.StatusNotified); err != nil {
			slog.Warn("failed to update ledger", "video_fid", ev.VideoFID, "error", err)
		}
	}
	return nil
}

// ReadyEmail is the message sent when an MP3 becomes downloadable.
func ReadyEmail(ev models.CompletionEvent) models.Email {
	return models.Email{
		To:      ev.Username,
		Subject: notificationSubject,
		Body:    fmt.Sprintf("mp3 file_id: %s is now ready!", ev.MP3FID),
	}
}
