// Command histloader downloads Binance futures monthly kline archives,
// optionally converts them to parquet and uploads them to S3. It is a
// standalone backfill utility and does not touch the live depth pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"depthflow/internal/histdata"
	"depthflow/logger"
)

func main() {
	symbols := flag.String("symbols", "BTCUSDT", "comma-separated symbols to download")
	years := flag.String("years", "", "comma-separated years, e.g. 2023,2024")
	interval := flag.String("interval", "1m", "kline interval")
	dataDir := flag.String("data-dir", "data/klines", "local directory for downloaded archives")
	overwrite := flag.Bool("overwrite", false, "re-download and re-convert existing files")
	extract := flag.Bool("extract", true, "extract downloaded zip archives")
	toParquet := flag.Bool("to-parquet", true, "convert extracted CSVs to parquet")
	keepCSV := flag.Bool("keep-csv", false, "keep CSV files after parquet conversion")
	timeout := flag.Duration("timeout", 60*time.Second, "per-download HTTP timeout")
	sleep := flag.Duration("sleep", 200*time.Millisecond, "pause between downloads")
	s3Bucket := flag.String("s3-bucket", os.Getenv("S3_BUCKET_NAME"), "bucket for parquet upload")
	s3Prefix := flag.String("s3-prefix", "binance/klines", "key prefix for parquet upload")
	uploadAll := flag.Bool("upload-all", false, "upload the whole data dir after downloading")
	dryRun := flag.Bool("dry-run", false, "log uploads without sending them")
	flag.Parse()

	_ = godotenv.Load()

	log := logger.GetLogger().WithComponent("histloader")

	yearList, err := parseYears(*years)
	if err != nil {
		log.WithError(err).Error("invalid -years flag")
		os.Exit(1)
	}
	symbolList := splitList(*symbols)
	if len(symbolList) == 0 {
		log.Error("no symbols given")
		os.Exit(1)
	}

	ctx := context.Background()
	dl := histdata.NewDownloader(&http.Client{Timeout: *timeout})

	for _, symbol := range symbolList {
		for _, year := range yearList {
			for month := 1; month <= 12; month++ {
				if err := processMonth(dl, *dataDir, symbol, *interval, year, month, *overwrite, *extract, *toParquet, *keepCSV); err != nil {
					log.WithError(err).WithFields(logger.Fields{
						"symbol": symbol,
						"year":   year,
						"month":  month,
					}).Error("month failed")
					os.Exit(1)
				}
				time.Sleep(*sleep)
			}
		}
	}

	if *uploadAll {
		if *s3Bucket == "" {
			log.Error("-upload-all requires -s3-bucket or S3_BUCKET_NAME")
			os.Exit(1)
		}
		uploader, err := newUploader(ctx, *s3Bucket, *s3Prefix)
		if err != nil {
			log.WithError(err).Error("failed to initialize uploader")
			os.Exit(1)
		}
		if err := uploader.UploadTree(ctx, *dataDir, *dryRun); err != nil {
			log.WithError(err).Error("upload failed")
			os.Exit(1)
		}
	}

	log.Info("histloader finished")
}

func processMonth(dl *histdata.Downloader, dataDir, symbol, interval string, year, month int, overwrite, extract, toParquet, keepCSV bool) error {
	url := histdata.BuildURL(symbol, interval, year, month)
	zipPath, csvPath, parquetPath := histdata.LocalPaths(dataDir, symbol, interval, year, month)

	downloaded, err := dl.Download(url, zipPath, overwrite)
	if err != nil {
		return err
	}
	if !downloaded {
		if _, statErr := os.Stat(zipPath); statErr != nil {
			return nil // archive not published for this month
		}
	}
	if !extract {
		return nil
	}
	if _, err := histdata.ExtractZip(zipPath, filepath.Dir(csvPath), overwrite); err != nil {
		return err
	}
	if !toParquet {
		return nil
	}
	return histdata.ConvertCSV(csvPath, parquetPath, overwrite, keepCSV)
}

func newUploader(ctx context.Context, bucket, prefix string) (*histdata.Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return histdata.NewUploader(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

func parseYears(s string) ([]int, error) {
	parts := splitList(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("at least one year is required")
	}
	years := make([]int, 0, len(parts))
	for _, p := range parts {
		y, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("year %q: %w", p, err)
		}
		years = append(years, y)
	}
	return years, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}
