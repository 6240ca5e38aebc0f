// Package archive uploads a finished session's operation log to S3 as
// zstd-compressed JSON lines.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// Uploader is the part of manager.Uploader the archiver needs
type Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Downloader is the part of manager.Downloader the archiver needs
type Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

// Config holds the S3 archive settings
type Config struct {
	Enabled         bool          `mapstructure:"enabled"`
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	Endpoint        string        `mapstructure:"endpoint"`
	Prefix          string        `mapstructure:"prefix"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	PartSize        int64         `mapstructure:"part_size"`
	Concurrency     int           `mapstructure:"concurrency"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ZstdLevel       int           `mapstructure:"zstd_level"`
}

// Archiver writes and reads session archives
type Archiver struct {
	uploader   Uploader
	downloader Downloader
	bucket     string
	prefix     string
	timeout    time.Duration
	level      zstd.EncoderLevel
	logger     observability.Logger
}

// New creates an archiver on explicit transfer clients
func New(uploader Uploader, downloader Downloader, cfg Config, logger observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sessions"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	level := zstd.SpeedDefault
	if cfg.ZstdLevel >= int(zstd.SpeedFastest) && cfg.ZstdLevel <= int(zstd.SpeedBestCompression) {
		level = zstd.EncoderLevel(cfg.ZstdLevel)
	}
	return &Archiver{
		uploader:   uploader,
		downloader: downloader,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		timeout:    cfg.RequestTimeout,
		level:      level,
		logger:     logger,
	}
}

// NewS3Archiver loads AWS configuration and builds S3 transfer managers
func NewS3Archiver(ctx context.Context, cfg Config, logger observability.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}

	var options []func(*config.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		if cfg.Concurrency > 0 {
			d.Concurrency = cfg.Concurrency
		}
	})
	return New(uploader, downloader, cfg, logger), nil
}

// Key returns the object key for a session archive
func (a *Archiver) Key(sessionID uuid.UUID, at time.Time) string {
	return path.Join(a.prefix, sessionID.String(), at.UTC().Format("20060102T150405Z")+".jsonl.zst")
}

// Archive uploads ops and returns the object key
func (a *Archiver) Archive(ctx context.Context, sessionID uuid.UUID, ops []operation.Operation) (string, error) {
	ctx, span := observability.StartSpan(ctx, "storage.archive.Archive")
	defer span.End()
	span.SetAttribute("session_id", sessionID.String())
	span.SetAttribute("count", len(ops))

	body, err := encode(ops, a.level)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	key := a.Key(sessionID, time.Now())
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Metadata: map[string]string{
			"session-id":      sessionID.String(),
			"operation-count": fmt.Sprint(len(ops)),
		},
	})
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrapf(err, "failed to upload archive %s", key)
	}

	a.logger.Info("Archived session log", map[string]interface{}{
		"session_id": sessionID.String(),
		"key":        key,
		"operations": len(ops),
		"bytes":      len(body),
	})
	return key, nil
}

// Restore downloads and decodes an archive
func (a *Archiver) Restore(ctx context.Context, key string) ([]operation.Operation, error) {
	ctx, span := observability.StartSpan(ctx, "storage.archive.Restore")
	defer span.End()

	if a.downloader == nil {
		return nil, errors.New("archive downloader not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := a.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "failed to download archive %s", key)
	}
	return Decode(buf.Bytes())
}

// Encode renders ops as zstd-compressed JSON lines
func Encode(ops []operation.Operation) ([]byte, error) {
	return encode(ops, zstd.SpeedDefault)
}

func encode(ops []operation.Operation, level zstd.EncoderLevel) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd encoder")
	}
	enc := json.NewEncoder(zw)
	for _, op := range ops {
		if err := enc.Encode(op); err != nil {
			_ = zw.Close()
			return nil, errors.Wrapf(err, "failed to encode operation %s", op.ID)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to flush zstd encoder")
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode
func Decode(data []byte) ([]operation.Operation, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	defer zr.Close()

	var ops []operation.Operation
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var op operation.Operation
		if err := json.Unmarshal(scanner.Bytes(), &op); err != nil {
			return nil, errors.Wrapf(err, "invalid archive line %d", line)
		}
		ops = append(ops, op)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read archive")
	}
	return ops, nil
}
