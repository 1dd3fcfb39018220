package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
depthflow:
  name: depthflow
  version: 1.0.0
source:
  binance:
    symbol: ethusdt
storage:
  s3:
    bucket: depthflow-test
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func clearOverrideEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_REGION",
		"S3_BUCKET_NAME", "S3_PREFIX", "SYMBOL", "DEPTH_LEVEL",
		"UPDATE_SPEED_MS", "BATCH_SECONDS", "MAX_MESSAGES_PER_BATCH",
		"APP_ENV",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearOverrideEnv(t)
	path := writeTempConfig(t, minimalYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Batch.Window != 10*time.Second {
		t.Errorf("default window = %v, want 10s", cfg.Batch.Window)
	}
	if cfg.Batch.MaxMessages != 5000 {
		t.Errorf("default max messages = %d, want 5000", cfg.Batch.MaxMessages)
	}
	if cfg.Reader.ReceiveTimeout != 30*time.Second {
		t.Errorf("default receive timeout = %v, want 30s", cfg.Reader.ReceiveTimeout)
	}
	if cfg.Reader.Backoff.MinDelay != time.Second || cfg.Reader.Backoff.MaxDelay != time.Minute {
		t.Errorf("default backoff = %v/%v, want 1s/1m", cfg.Reader.Backoff.MinDelay, cfg.Reader.Backoff.MaxDelay)
	}
	if cfg.Storage.S3.Retry.MaxAttempts != 3 {
		t.Errorf("default retry attempts = %d, want 3", cfg.Storage.S3.Retry.MaxAttempts)
	}
	if cfg.Storage.S3.Prefix != "binance/l2" {
		t.Errorf("default prefix = %q, want binance/l2", cfg.Storage.S3.Prefix)
	}
	if cfg.Source.Binance.Symbol != "ethusdt" {
		t.Errorf("symbol = %q, want ethusdt", cfg.Source.Binance.Symbol)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("S3_BUCKET_NAME", "override-bucket")
	t.Setenv("SYMBOL", "SOLUSDT")
	t.Setenv("BATCH_SECONDS", "25")
	t.Setenv("MAX_MESSAGES_PER_BATCH", "1234")
	t.Setenv("AWS_REGION", "us-east-1")

	path := writeTempConfig(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Storage.S3.Bucket != "override-bucket" {
		t.Errorf("bucket = %q, want override-bucket", cfg.Storage.S3.Bucket)
	}
	if cfg.Source.Binance.Symbol != "solusdt" {
		t.Errorf("symbol = %q, want solusdt (lowercased)", cfg.Source.Binance.Symbol)
	}
	if cfg.Batch.Window != 25*time.Second {
		t.Errorf("window = %v, want 25s", cfg.Batch.Window)
	}
	if cfg.Batch.MaxMessages != 1234 {
		t.Errorf("max messages = %d, want 1234", cfg.Batch.MaxMessages)
	}
	if cfg.Storage.S3.Region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", cfg.Storage.S3.Region)
	}
}

func TestLoadConfigValidationFailures(t *testing.T) {
	clearOverrideEnv(t)
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: strings.Replace(minimalYAML, "name: depthflow", "name: \"\"", 1),
			want: "depthflow.name",
		},
		{
			name: "missing bucket",
			yaml: strings.Replace(minimalYAML, "bucket: depthflow-test", "bucket: \"\"", 1),
			want: "storage.s3.bucket",
		},
		{
			name: "invalid bucket",
			yaml: strings.Replace(minimalYAML, "bucket: depthflow-test", "bucket: Bad_Bucket", 1),
			want: "is invalid",
		},
		{
			name: "zero window",
			yaml: minimalYAML + "\nbatch:\n  window: 0s\n",
			want: "batch.window",
		},
		{
			name: "kafka enabled without brokers",
			yaml: minimalYAML + "\n  kafka:\n    enabled: true\n",
			want: "storage.kafka.brokers",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.yaml)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigProductionStrictness(t *testing.T) {
	clearOverrideEnv(t)
	t.Setenv("APP_ENV", "production")

	// Text logs are rejected in production-like environments.
	path := writeTempConfig(t, minimalYAML+"\nlogging:\n  format: text\n")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("text log format accepted in production: %v", err)
	}

	// So is a plaintext object store endpoint.
	path = writeTempConfig(t, minimalYAML+"    endpoint: http://minio.internal:9000\n")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), "storage.s3.endpoint") {
		t.Errorf("plaintext s3 endpoint accepted in production: %v", err)
	}

	// The same config passes with the defaults (json, no endpoint override).
	path = writeTempConfig(t, minimalYAML)
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("valid production config rejected: %v", err)
	}

	// Development keeps the relaxed rules.
	t.Setenv("APP_ENV", "development")
	path = writeTempConfig(t, minimalYAML+"\nlogging:\n  format: text\n")
	if _, err := LoadConfig(path); err != nil {
		t.Errorf("text log format rejected in development: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestStreamName(t *testing.T) {
	src := BinanceSourceConfig{Symbol: "BTCUSDT", DepthLevel: 20, UpdateSpeedMs: 100}
	if got := src.StreamName(); got != "btcusdt@depth20@100ms" {
		t.Errorf("StreamName() = %q, want btcusdt@depth20@100ms", got)
	}
}

func TestStreamIdentity(t *testing.T) {
	cfg := defaultConfig()
	id := cfg.StreamIdentity()
	if id.Exchange != "binance" {
		t.Errorf("exchange = %q, want binance", id.Exchange)
	}
	if id.StreamName != "btcusdt@depth20@1000ms" {
		t.Errorf("stream = %q, want btcusdt@depth20@1000ms", id.StreamName)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	valid := []string{"depthflow-archive", "a1b", "my.bucket.name"}
	invalid := []string{"ab", "UPPER", "-leading", "trailing-", "double..dot", strings.Repeat("a", 64)}

	for _, name := range valid {
		if !isValidS3Bucket(name) {
			t.Errorf("isValidS3Bucket(%q) = false, want true", name)
		}
	}
	for _, name := range invalid {
		if isValidS3Bucket(name) {
			t.Errorf("isValidS3Bucket(%q) = true, want false", name)
		}
	}
}
