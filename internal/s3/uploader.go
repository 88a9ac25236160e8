// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

const (
	// Part size for multipart uploads: 10MB
	partSize = 10 * 1024 * 1024
	// Concurrent part uploads per file
	partConcurrency = 3
	// Max retries for S3 operations
	maxS3Retries = 5
	// Initial retry delay
	initialRetryDelay = 1 * time.Second
)

// Uploader copies page files to S3. Files above the part size go up as multipart uploads.
type Uploader struct {
	uploader *manager.Uploader
	bucket   string
	logger   *zap.Logger

	retryDelay time.Duration
}

// NewUploader creates an S3 uploader from an AWS config.
// AWS_ENDPOINT_URL switches to a custom endpoint with path-style addressing (LocalStack).
func NewUploader(awsCfg aws.Config, bucket string, logger *zap.Logger) (*Uploader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint := os.Getenv("AWS_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
			logger.Info("Using custom S3 endpoint", zap.String("endpoint", endpoint))
		}
	})
	return NewUploaderWithClient(client, bucket, logger), nil
}

// NewUploaderWithClient creates an uploader on top of an existing S3 API client.
func NewUploaderWithClient(client manager.UploadAPIClient, bucket string, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = partConcurrency
	})
	return &Uploader{
		uploader:   up,
		bucket:     bucket,
		logger:     logger,
		retryDelay: initialRetryDelay,
	}
}

// Bucket returns the destination bucket.
func (u *Uploader) Bucket() string { return u.bucket }

// Key builds the object key of a page file: <prefix>/<run id>/<module>/<file name>.
func Key(prefix, runID, module, fileName string) string {
	return path.Join(prefix, runID, module, path.Base(fileName))
}

// URI returns the s3:// location of key in the uploader's bucket.
func (u *Uploader) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", u.bucket, key)
}

// UploadFile uploads a local file to key.
func (u *Uploader) UploadFile(ctx context.Context, filePath, key string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to get file info: %w", err)
	}

	u.logger.Info("Uploading file to S3",
		zap.String("file", filePath),
		zap.String("s3_key", key),
		zap.Int64("size", info.Size()))

	_, err = u.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	u.logger.Info("File uploaded successfully",
		zap.String("s3_key", key),
		zap.Int64("size", info.Size()))
	return nil
}

// UploadFileWithRetry uploads a file with exponential backoff.
func (u *Uploader) UploadFileWithRetry(ctx context.Context, filePath, key string) error {
	var lastErr error
	delay := u.retryDelay

	for attempt := 1; attempt <= maxS3Retries; attempt++ {
		err := u.UploadFile(ctx, filePath, key)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < maxS3Retries {
			u.logger.Warn("Upload failed, retrying",
				zap.String("file", filePath),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", maxS3Retries),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxS3Retries, lastErr)
}
