package writer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jpillora/backoff"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// s3PutAPI is the slice of the S3 client the archive writer depends on.
type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveWriter serializes batch snapshots into gzip-compressed
// newline-delimited objects and writes them to S3 with bounded retries.
// Each successful flush produces one object under a key derived from the
// stream identity and the flush time; keys are never reused.
type ArchiveWriter struct {
	cfg    *appconfig.Config
	client s3PutAPI
	mirror *KafkaMirror
	log    *logger.Log
}

// NewArchiveWriter configures the AWS SDK and validates that credentials are
// resolvable. Missing credentials are a startup fault, not a per-write one.
func NewArchiveWriter(cfg *appconfig.Config) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &ArchiveWriter{
		cfg:    cfg,
		client: s3Client,
		log:    log,
	}

	if cfg.Storage.Kafka.Enabled {
		w.mirror = NewKafkaMirror(cfg)
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"prefix":     cfg.Storage.S3.Prefix,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return w, nil
}

// Write archives one batch snapshot and returns the object key. The batch is
// serialized exactly once; retry attempts rewind over the same buffer. On
// retry exhaustion the last error is surfaced to the caller, which owns the
// retention decision.
func (w *ArchiveWriter) Write(ctx context.Context, batch models.ArchiveBatch) (string, error) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"exchange":     batch.Stream.Exchange,
		"stream":       batch.Stream.StreamName,
		"record_count": batch.RecordCount,
	})

	if batch.RecordCount == 0 {
		log.Debug("batch has no records, skipping")
		return "", nil
	}

	key := BuildKey(w.cfg.Storage.S3.Prefix, batch.Stream, batch.FlushTime)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := serialize(batch.Messages)
	if err != nil {
		return "", fmt.Errorf("serialize batch %s: %w", batch.BatchID, err)
	}

	retry := w.cfg.Storage.S3.Retry
	bo := &backoff.Backoff{
		Min:    retry.BaseDelay,
		Max:    retry.MaxDelay,
		Factor: 2,
		Jitter: false,
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		lastErr = w.upload(ctx, key, data, batch)
		if lastErr == nil {
			log.WithFields(logger.Fields{
				"attempt":    attempt,
				"size_bytes": len(data),
			}).Info("batch archived")
			logger.IncrementUploadOK(int64(len(data)))
			logger.LogDataFlowEntry(log, batch.Stream.StreamName, w.cfg.Storage.S3.Bucket, batch.RecordCount, "depth_messages")
			w.log.LogMetric("archive_writer", "upload_size_bytes", len(data), "gauge", logger.Fields{
				"stream": batch.Stream.StreamName,
			})
			w.publishMirror(ctx, batch, key)
			return key, nil
		}

		if attempt == retry.MaxAttempts {
			break
		}

		delay := bo.Duration()
		log.WithError(lastErr).WithFields(logger.Fields{
			"attempt":     attempt,
			"retry_after": delay.String(),
		}).Warn("upload failed, retrying")
		logger.IncrementUploadRetry()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", fmt.Errorf("upload %s interrupted: %w", key, ctx.Err())
		}
	}

	logger.IncrementUploadFailed()
	return "", fmt.Errorf("upload %s after %d attempts: %w", key, retry.MaxAttempts, lastErr)
}

func (w *ArchiveWriter) upload(ctx context.Context, key string, data []byte, batch models.ArchiveBatch) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			"batch-id":          batch.BatchID,
			"record-count":      strconv.Itoa(batch.RecordCount),
			"depthflow-version": w.cfg.Depthflow.Version,
		},
	}
	_, err := w.client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("put object to bucket %s: %w", w.cfg.Storage.S3.Bucket, err)
	}
	return nil
}

func (w *ArchiveWriter) publishMirror(ctx context.Context, batch models.ArchiveBatch, key string) {
	if w.mirror == nil {
		return
	}
	if err := w.mirror.Publish(ctx, batch, key); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Warn("kafka mirror publish failed")
	}
}

// Close releases the optional mirror connection.
func (w *ArchiveWriter) Close() {
	if w.mirror != nil {
		w.mirror.Close()
	}
}

// serialize concatenates message payloads, one per line, newline-terminated,
// and gzip-compresses the result in memory.
func serialize(messages []models.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, msg := range messages {
		if _, err := gz.Write(msg.Payload); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if _, err := gz.Write([]byte{'\n'}); err != nil {
			return nil, fmt.Errorf("gzip write: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildKey derives the archive key for a flush. It is a pure function of its
// inputs: {prefix}/{exchange}/{stream}/{YYYY}/{MM}/{DD}/{HH}/{YYYYMMDDThhmmss}.jsonl.gz
// An empty prefix yields no leading separator.
func BuildKey(prefix string, stream models.StreamIdentity, ts time.Time) string {
	ts = ts.UTC()
	key := fmt.Sprintf("%s/%s/%s/%s.jsonl.gz",
		stream.Exchange,
		stream.StreamName,
		ts.Format("2006/01/02/15"),
		ts.Format("20060102T150405"),
	)
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
