package histdata

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"depthflow/logger"
)

type s3PutAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader copies converted parquet files into the archive bucket.
type Uploader struct {
	client s3PutAPI
	bucket string
	prefix string
	log    *logger.Entry
}

func NewUploader(client s3PutAPI, bucket, prefix string) *Uploader {
	return &Uploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.GetLogger().WithComponent("histdata"),
	}
}

// BuildKey produces the object key for a monthly parquet file. The key
// mirrors the local layout: {prefix}/{symbol}/{interval}/{year}/{filename}.
func BuildKey(prefix, symbol, interval string, year int, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%d/%s", strings.Trim(prefix, "/"), symbol, interval, year, filename)
}

// UploadFile puts a single local file under the given key.
func (u *Uploader) UploadFile(ctx context.Context, path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &u.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}

	u.log.WithFields(logger.Fields{
		"bucket": u.bucket,
		"key":    key,
	}).Info("uploaded parquet file")
	return nil
}

// UploadTree walks dataDir and uploads every parquet file found, preserving
// the symbol/interval/year directory structure under the prefix. With dryRun
// set, the files that would be uploaded are logged and nothing is sent.
func (u *Uploader) UploadTree(ctx context.Context, dataDir string, dryRun bool) error {
	var uploaded, skipped int

	err := filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		rel, err := filepath.Rel(dataDir, path)
		if err != nil {
			return err
		}
		key := u.prefix + "/" + filepath.ToSlash(rel)

		if dryRun {
			u.log.WithFields(logger.Fields{"key": key}).Info("dry run, would upload")
			skipped++
			return nil
		}
		if err := u.UploadFile(ctx, path, key); err != nil {
			return err
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload tree %s: %w", dataDir, err)
	}

	u.log.WithFields(logger.Fields{
		"uploaded": uploaded,
		"skipped":  skipped,
	}).Info("upload pass complete")
	return nil
}
