package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"mp3converter/metrics"
	"mp3converter/models"
	"mp3converter/services"
)

// AudioExtractor writes the audio of a local video file to outputPath as MP3.
type AudioExtractor interface {
	Extract(ctx context.Context, inputPath, outputPath string) error
}

// ConversionWorker turns video jobs into MP3 blobs and completion events.
type ConversionWorker struct {
	videos    services.ContentStore
	mp3s      services.ContentStore
	extractor AudioExtractor
	queue     services.Publisher
	mp3Queue  string
	tempDir   string
	ledger    services.Ledger
}

type ConversionOption func(*ConversionWorker)

// WithTempDir sets the parent of per-job scratch directories. Empty means os.TempDir.
func WithTempDir(dir string) ConversionOption {
	return func(w *ConversionWorker) { w.tempDir = dir }
}

func WithConversionLedger(l services.Ledger) ConversionOption {
	return func(w *ConversionWorker) { w.ledger = l }
}

func NewConversionWorker(videos, mp3s services.ContentStore, extractor AudioExtractor, queue services.Publisher, mp3Queue string, opts ...ConversionOption) *ConversionWorker {
	w := &ConversionWorker{
		videos:    videos,
		mp3s:      mp3s,
		extractor: extractor,
		queue:     queue,
		mp3Queue:  mp3Queue,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *ConversionWorker) Handle(ctx context.Context, d *services.Delivery) error {
	job, err := models.DecodeJob(d.Body)
	if err != nil {
		return err
	}

	log := slog.With("video_fid", job.VideoFID, "attempt", d.Attempt)
	log.Info("processing conversion")
	start := time.Now()

	ev, err := w.Process(ctx, job)
	if err != nil {
		w.recordFailure(ctx, job.VideoFID, err)
		return err
	}

	log.Info("conversion completed", "mp3_fid", ev.MP3FID, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Process converts job's source video and publishes the completion event.
// Every exit path removes the scratch directory. If the event cannot be
// published the new MP3 blob is deleted again, so the mp3 store never holds
// a blob nobody will hear about. Redelivery of the same job yields a fresh
// blob and event; there is no deduplication.
func (w *ConversionWorker) Process(ctx context.Context, job models.Job) (models.CompletionEvent, error) {
	dir, err := os.MkdirTemp(w.tempDir, "convert-*")
	if err != nil {
		return models.CompletionEvent{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, scratchName(job.VideoFID))
	if err := w.fetch(ctx, job.VideoFID, inputPath); err != nil {
		return models.CompletionEvent{}, err
	}

	outputPath := inputPath + ".mp3"
	if err := w.extractor.Extract(ctx, inputPath, outputPath); err != nil {
		return models.CompletionEvent{}, err
	}

	mp3FID, err := w.store(ctx, outputPath)
	if err != nil {
		return models.CompletionEvent{}, err
	}

	ev := job.Complete(mp3FID)
	body, err := json.Marshal(ev)
	if err != nil {
		return models.CompletionEvent{}, w.rollback(ctx, mp3FID, fmt.Errorf("encode completion event: %w", err))
	}

	if err := w.queue.Publish(ctx, w.mp3Queue, body); err != nil {
		return models.CompletionEvent{}, w.rollback(ctx, mp3FID, err)
	}

	w.recordConversion(ctx, job, services.StatusConverted)
	return ev, nil
}

func (w *ConversionWorker) fetch(ctx context.Context, id models.BlobID, path string) error {
	src, err := w.videos.Open(ctx, id)
	if err != nil {
		return err
	}
	defer src.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("%w: read source %s: %w", models.ErrUpstream, id, err)
	}
	return f.Close()
}

func (w *ConversionWorker) store(ctx context.Context, path string) (models.BlobID, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open encoded audio: %w", models.ErrTransform, err)
	}
	defer f.Close()

	return w.mp3s.Put(ctx, f, "audio/mpeg")
}

// rollback deletes the result blob after cause prevented its event from
// being published. The returned error carries cause and, if the delete
// failed too, models.ErrRollback.
func (w *ConversionWorker) rollback(ctx context.Context, mp3FID models.BlobID, cause error) error {
	err := services.CompensatingDelete(ctx, w.mp3s, mp3FID)
	metrics.Rollback("mp3s", err)
	if err == nil {
		slog.Warn("rolled back mp3 after publish failure", "mp3_fid", mp3FID, "error", cause)
		return cause
	}

	slog.Error("leaked mp3 blob", "mp3_fid", mp3FID, "error", err)
	if w.ledger != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if lerr := w.ledger.RecordLeakedBlob(recCtx, "mp3s", mp3FID, cause.Error()); lerr != nil {
			slog.Warn("failed to record leaked blob", "mp3_fid", mp3FID, "error", lerr)
		}
	}
	return errors.Join(cause, err)
}

func (w *ConversionWorker) recordConversion(ctx context.Context, job models.Job, status string) {
	if w.ledger == nil {
		return
	}
	if err := w.ledger.RecordConversion(ctx, job, status); err != nil {
		slog.Warn("failed to update ledger", "video_fid", job.VideoFID, "status", status, "error", err)
	}
}

func (w *ConversionWorker) recordFailure(ctx context.Context, id models.BlobID, cause error) {
	if w.ledger == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.ledger.RecordFailure(recCtx, id, cause.Error()); err != nil {
		slog.Warn("failed to update ledger", "video_fid", id, "error", err)
	}
}

// scratchName keeps the source file named after its id without letting the
// id escape the scratch directory.
func scratchName(id models.BlobID) string {
	name := filepath.Base(string(id))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "source"
	}
	return name
}
