package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atmx/bondsim/internal/model"
)

// minPartSize is the smallest part S3 accepts for multipart uploads.
const minPartSize int64 = 5 * 1024 * 1024

// S3Config holds the connection settings for an S3-compatible bucket.
type S3Config struct {
	// Endpoint overrides the AWS endpoint, e.g. a MinIO URL. Empty means AWS.
	Endpoint  string
	Region    string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme when Endpoint has none.
	UseSSL         bool
	ForcePathStyle bool
	PartSize       int64
}

// Validate checks the fields needed to build a client.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("export: s3 bucket is required")
	}
	if c.Region == "" {
		return errors.New("export: s3 region is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("export: s3 access key and secret key must be set together")
	}
	return nil
}

// Archiver uploads run exports to S3.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	logger   *slog.Logger
}

// NewArchiver builds an S3 client from cfg. Static credentials are used when
// an access key is configured; otherwise the default AWS chain applies.
func NewArchiver(ctx context.Context, cfg S3Config, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("export: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	partSize := cfg.PartSize
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &Archiver{
		uploader: manager.NewUploader(client, func(u *manager.Uploader) { u.PartSize = partSize }),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logger:   logger,
	}, nil
}

// Put uploads body under key.
func (a *Archiver) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(ContentType),
	})
	if err != nil {
		return fmt.Errorf("export: upload %s: %w", key, err)
	}
	return nil
}

// ArchiveRun uploads a run's step records as JSONL and returns the object key.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, records []model.StepRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("export: run %s has no steps", runID)
	}
	data, err := MarshalJSONL(records)
	if err != nil {
		return "", err
	}
	key := ObjectKey(a.prefix, runID)
	if err := a.Put(ctx, key, bytes.NewReader(data)); err != nil {
		return "", err
	}
	a.logger.Info("run archived", "run_id", runID, "bucket", a.bucket, "key", key, "steps", len(records), "bytes", len(data))
	return key, nil
}

func normaliseEndpoint(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
