package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/logger"
	"depthflow/processor"
	"depthflow/reader/binance"
	"depthflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	stream := cfg.StreamIdentity()
	log.WithFields(logger.Fields{
		"service":     cfg.Depthflow.Name,
		"version":     cfg.Depthflow.Version,
		"environment": config.AppEnvironment(),
		"stream":      stream.StreamName,
		"bucket":      cfg.Storage.S3.Bucket,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	archive, err := writer.NewArchiveWriter(cfg)
	if err != nil {
		log.WithError(err).
			WithEnv("AWS_ACCESS_KEY_ID", "AWS_REGION", "S3_BUCKET_NAME").
			Error("failed to create archive writer")
		os.Exit(1)
	}

	accumulator := processor.NewAccumulator(cfg, stream, archive)
	depthReader := binance.NewDepthReader(cfg, accumulator)

	if err := accumulator.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start accumulator")
		os.Exit(1)
	}
	if err := depthReader.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start depth reader")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping depth reader")
	depthReader.Stop()

	log.Info("stopping accumulator")
	accumulator.Stop()

	// One best-effort flush of whatever is still buffered; the writer's own
	// bounded retries still apply, but a failure here is only logged since
	// the process is exiting.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	accumulator.FinalFlush(flushCtx)
	flushCancel()

	archive.Close()

	log.Info("depthflow stopped")
}
