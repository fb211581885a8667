package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"mp3converter/metrics"
	"mp3converter/models"
	"mp3converter/services"
)

// UploadOrchestrator stores an uploaded video and queues its conversion.
type UploadOrchestrator struct {
	videos     services.ContentStore
	queue      services.Publisher
	videoQueue string
	ledger     services.Ledger
}

func NewUploadOrchestrator(videos services.ContentStore, queue services.Publisher, videoQueue string, ledger services.Ledger) *UploadOrchestrator {
	return &UploadOrchestrator{
		videos:     videos,
		queue:      queue,
		videoQueue: videoQueue,
		ledger:     ledger,
	}
}

// Upload stores file and publishes the conversion job for owner. If the job
// cannot be published the stored video is deleted again, so a successful
// return is the only case that leaves a video blob behind.
func (o *UploadOrchestrator) Upload(ctx context.Context, file io.Reader, contentType, owner string) (models.Job, error) {
	if err := models.ValidateAddress(owner); err != nil {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return models.Job{}, err
	}

	videoFID, err := o.videos.Put(ctx, file, contentType)
	if err != nil {
		metrics.Uploads.WithLabelValues("store_failed").Inc()
		return models.Job{}, fmt.Errorf("store upload: %w", err)
	}

	job := models.NewJob(videoFID, owner)
	body, err := json.Marshal(job)
	if err != nil {
		return models.Job{}, o.rollback(ctx, videoFID, fmt.Errorf("encode job: %w", err))
	}

	if err := o.queue.Publish(ctx, o.videoQueue, body); err != nil {
		metrics.Uploads.WithLabelValues("publish_failed").Inc()
		return models.Job{}, o.rollback(ctx, videoFID, err)
	}

	metrics.Uploads.WithLabelValues("ok").Inc()
	slog.Info("video queued for conversion", "video_fid", videoFID, "content_type", contentType)

	if o.ledger != nil {
		if err := o.ledger.RecordConversion(ctx, job, services.StatusQueued); err != nil {
			slog.Warn("failed to update ledger", "video_fid", videoFID, "error", err)
		}
	}
	return job, nil
}

func (o *UploadOrchestrator) rollback(ctx context.Context, videoFID models.BlobID, cause error) error {
	err := services.CompensatingDelete(ctx, o.videos, videoFID)
	metrics.Rollback("videos", err)
	if err == nil {
		slog.Warn("rolled back video after publish failure", "video_fid", videoFID, "error", cause)
		return cause
	}

	slog.Error("leaked video blob", "video_fid", videoFID, "error", err)
	if o.ledger != nil {
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if lerr := o.ledger.RecordLeakedBlob(recCtx, "videos", videoFID, cause.Error()); lerr != nil {
			slog.Warn("failed to record leaked blob", "video_fid", videoFID, "error", lerr)
		}
	}
	return errors.Join(cause, err)
}
