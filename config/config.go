package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"depthflow/models"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Reader    ReaderConfig    `yaml:"reader"`
	Batch     BatchConfig     `yaml:"batch"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ReaderConfig struct {
	// ReceiveTimeout bounds a single websocket read so the receive loop can
	// observe shutdown and detect a stale feed without help from the peer.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	Backoff        BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type BatchConfig struct {
	// Window is the maximum time a batch may stay open before a flush.
	Window time.Duration `yaml:"window"`
	// MaxMessages triggers a flush on count. Twice this value forces a flush
	// regardless of upload state; three times is the backpressure alarm line.
	MaxMessages int `yaml:"max_messages"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	URL           string `yaml:"url"`
	Symbol        string `yaml:"symbol"`
	DepthLevel    int    `yaml:"depth_level"`
	UpdateSpeedMs int    `yaml:"update_speed_ms"`
}

// StreamName derives the Binance combined-stream channel name, which doubles
// as the logical stream identity in archive keys.
func (c BinanceSourceConfig) StreamName() string {
	return fmt.Sprintf("%s@depth%d@%dms", strings.ToLower(c.Symbol), c.DepthLevel, c.UpdateSpeedMs)
}

type StorageConfig struct {
	S3    S3Config    `yaml:"s3"`
	Kafka KafkaConfig `yaml:"kafka"`
}

type S3Config struct {
	Bucket          string      `yaml:"bucket"`
	Prefix          string      `yaml:"prefix"`
	Region          string      `yaml:"region"`
	Endpoint        string      `yaml:"endpoint"`
	PathStyle       bool        `yaml:"path_style"`
	AccessKeyID     string      `yaml:"access_key_id"`
	SecretAccessKey string      `yaml:"secret_access_key"`
	Retry           RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Region    string `yaml:"region"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// StreamIdentity returns the immutable identity of the configured feed.
func (c *Config) StreamIdentity() models.StreamIdentity {
	return models.StreamIdentity{
		Exchange:   "binance",
		StreamName: c.Source.Binance.StreamName(),
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Storage.S3.Prefix = strings.Trim(strings.TrimSpace(config.Storage.S3.Prefix), "/")
	config.Source.Binance.Symbol = strings.ToLower(strings.TrimSpace(config.Source.Binance.Symbol))

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	if env := getAppEnvironment(); IsProductionLike(env) {
		if err := validateProductionConfig(config, env); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return config, nil
}

func defaultConfig() *Config {
	return &Config{
		Reader: ReaderConfig{
			ReceiveTimeout: 30 * time.Second,
			Backoff: BackoffConfig{
				MinDelay: time.Second,
				MaxDelay: time.Minute,
			},
		},
		Batch: BatchConfig{
			Window:      10 * time.Second,
			MaxMessages: 5000,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				URL:           "wss://stream.binance.com:9443/stream",
				Symbol:        "btcusdt",
				DepthLevel:    20,
				UpdateSpeedMs: 1000,
			},
		},
		Storage: StorageConfig{
			S3: S3Config{
				Prefix: "binance/l2",
				Region: "eu-central-1",
				Retry: RetryConfig{
					MaxAttempts: 3,
					BaseDelay:   time.Second,
					MaxDelay:    8 * time.Second,
				},
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stdout",
			ReportInterval: 30 * time.Second,
		},
	}
}

// applyEnvOverrides layers process environment on top of the file, keeping the
// variable names the deployment already exports.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET_NAME"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_PREFIX"); v != "" {
		config.Storage.S3.Prefix = strings.TrimSpace(v)
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		config.Source.Binance.Symbol = strings.TrimSpace(v)
	}
	if v, ok := envInt("DEPTH_LEVEL"); ok {
		config.Source.Binance.DepthLevel = v
	}
	if v, ok := envInt("UPDATE_SPEED_MS"); ok {
		config.Source.Binance.UpdateSpeedMs = v
	}
	if v, ok := envInt("BATCH_SECONDS"); ok {
		config.Batch.Window = time.Duration(v) * time.Second
	}
	if v, ok := envInt("MAX_MESSAGES_PER_BATCH"); ok {
		config.Batch.MaxMessages = v
	}
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}
	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	if cfg.Source.Binance.URL == "" {
		return fmt.Errorf("source.binance.url is required")
	}
	if cfg.Source.Binance.Symbol == "" {
		return fmt.Errorf("source.binance.symbol is required")
	}
	if cfg.Source.Binance.DepthLevel <= 0 {
		return fmt.Errorf("source.binance.depth_level must be greater than 0")
	}
	if cfg.Source.Binance.UpdateSpeedMs <= 0 {
		return fmt.Errorf("source.binance.update_speed_ms must be greater than 0")
	}

	if cfg.Batch.Window <= 0 {
		return fmt.Errorf("batch.window must be greater than 0")
	}
	if cfg.Batch.MaxMessages <= 0 {
		return fmt.Errorf("batch.max_messages must be greater than 0")
	}

	if cfg.Reader.ReceiveTimeout <= 0 {
		return fmt.Errorf("reader.receive_timeout must be greater than 0")
	}
	if cfg.Reader.Backoff.MinDelay <= 0 {
		return fmt.Errorf("reader.backoff.min_delay must be greater than 0")
	}
	if cfg.Reader.Backoff.MaxDelay < cfg.Reader.Backoff.MinDelay {
		return fmt.Errorf("reader.backoff.max_delay must be at least min_delay")
	}

	if cfg.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required")
	}
	if cfg.Storage.S3.Region == "" {
		return fmt.Errorf("storage.s3.region is required")
	}
	if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
		return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
	}
	if cfg.Storage.S3.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("storage.s3.retry.max_attempts must be greater than 0")
	}
	if cfg.Storage.S3.Retry.BaseDelay <= 0 {
		return fmt.Errorf("storage.s3.retry.base_delay must be greater than 0")
	}

	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

// validateProductionConfig applies the stricter rules for production-like
// deployments: logs go to a collector that expects JSON, and the object store
// is never reached over plaintext.
func validateProductionConfig(cfg *Config, env string) error {
	if cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be json in a %s environment", env)
	}
	if strings.HasPrefix(cfg.Storage.S3.Endpoint, "http://") {
		return fmt.Errorf("storage.s3.endpoint must use https in a %s environment", env)
	}
	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
