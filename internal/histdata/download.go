// Package histdata implements the bulk historical klines utility: sequential
// download of monthly archives from Binance Vision, CSV extraction, Parquet
// conversion, and S3 upload. It is plain file I/O with no concurrency and is
// independent of the streaming pipeline.
package histdata

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"depthflow/logger"
)

const baseURL = "https://data.binance.vision/data/futures/um/monthly/klines"

// BuildURL returns the Binance Vision URL for a monthly klines ZIP file.
func BuildURL(symbol, interval string, year, month int) string {
	filename := fmt.Sprintf("%s-%s-%d-%02d.zip", symbol, interval, year, month)
	return fmt.Sprintf("%s/%s/%s/%s", baseURL, symbol, interval, filename)
}

// LocalPaths returns the ZIP, CSV, and Parquet paths for one month of data.
func LocalPaths(dataDir, symbol, interval string, year, month int) (zipPath, csvPath, parquetPath string) {
	baseDir := filepath.Join(dataDir, symbol, interval, fmt.Sprintf("%d", year))
	base := fmt.Sprintf("%s-%s-%d-%02d", symbol, interval, year, month)
	return filepath.Join(baseDir, base+".zip"),
		filepath.Join(baseDir, base+".csv"),
		filepath.Join(baseDir, base+".parquet")
}

// Downloader fetches monthly archives over HTTP.
type Downloader struct {
	client *http.Client
	log    *logger.Log
}

func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, log: logger.GetLogger()}
}

// Download streams the file at url to outputPath. An existing file is kept
// unless overwrite is set. A 404 month is reported as skipped (false, nil):
// Binance Vision has no archive for months before a symbol listed.
func (d *Downloader) Download(url, outputPath string, overwrite bool) (bool, error) {
	log := d.log.WithComponent("histdata").WithFields(logger.Fields{"url": url})

	if _, err := os.Stat(outputPath); err == nil && !overwrite {
		log.WithFields(logger.Fields{"path": outputPath}).Info("skipping download, file exists")
		return true, nil
	}

	log.Info("downloading")
	resp, err := d.client.Get(url)
	if err != nil {
		return false, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		log.Warn("archive not available, skipping month")
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return false, fmt.Errorf("create directory for %s: %w", outputPath, err)
	}

	tmp := outputPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", tmp, err)
	}

	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("write %s: %w", outputPath, err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("rename %s: %w", tmp, err)
	}

	log.WithFields(logger.Fields{
		"path":    outputPath,
		"size_mb": fmt.Sprintf("%.1f", float64(written)/(1024*1024)),
	}).Info("downloaded")
	return true, nil
}

// ExtractZip extracts the single CSV inside a Binance Vision ZIP into
// outputDir and returns its path. An already-extracted CSV is reused unless
// overwrite is set.
func ExtractZip(zipPath, outputDir string, overwrite bool) (string, error) {
	log := logger.GetLogger().WithComponent("histdata")

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", fmt.Errorf("open zip %s: %w", zipPath, err)
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return "", fmt.Errorf("zip %s is empty", zipPath)
	}

	// Binance ZIPs contain a single CSV file.
	entry := zr.File[0]
	csvPath := filepath.Join(outputDir, filepath.Base(entry.Name))

	if _, err := os.Stat(csvPath); err == nil && !overwrite {
		log.WithFields(logger.Fields{"path": csvPath}).Info("skipping extraction, csv exists")
		return csvPath, nil
	}

	src, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer src.Close()

	dst, err := os.Create(csvPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", csvPath, err)
	}

	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(csvPath)
		return "", fmt.Errorf("extract %s: %w", zipPath, err)
	}

	log.WithFields(logger.Fields{"zip": filepath.Base(zipPath), "csv": filepath.Base(csvPath)}).Info("extracted")
	return csvPath, nil
}
