package services

import (
	"context"
	"errors"
	"fmt"
	"io"

	"mp3converter/config"
	"mp3converter/models"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/google/uuid"
)

// S3Store keeps blobs in one bucket, keyed by a random id.
type S3Store struct {
	client   s3iface.S3API
	bucket   string
	uploader *s3manager.Uploader
}

// NewS3Session builds the shared session both buckets are reached through.
func NewS3Session(cfg *config.Config) (*session.Session, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
	}

	if cfg.AWSS3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWSS3AccessKey,
			cfg.AWSS3SecretKey,
			"",
		)
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

func NewS3Store(sess *session.Session, bucket string) *S3Store {
	client := s3.New(sess)
	return &S3Store{
		client:   client,
		bucket:   bucket,
		uploader: s3manager.NewUploaderWithClient(client),
	}
}

func (s *S3Store) Put(ctx context.Context, r io.Reader, contentType string) (models.BlobID, error) {
	key := uuid.NewString()

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload to S3 bucket %s: %w", models.ErrUpstream, s.bucket, err)
	}

	return models.BlobID(key), nil
}

func (s *S3Store) Open(ctx context.Context, id models.BlobID) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%s/%s: %w", s.bucket, id, models.ErrBlobNotFound)
		}
		return nil, fmt.Errorf("%w: failed to download %s from S3: %w", models.ErrUpstream, id, err)
	}
	return out.Body, nil
}

// Delete is idempotent: S3 reports success for keys that do not exist.
func (s *S3Store) Delete(ctx context.Context, id models.BlobID) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(string(id)),
	})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("%w: failed to delete %s from S3: %w", models.ErrUpstream, id, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}
