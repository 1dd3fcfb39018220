package writer

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// batchManifest is the Kafka mirror payload for one archived batch. The raw
// messages stay in the object store; the mirror only announces the artifact.
type batchManifest struct {
	BatchID     string    `json:"batch_id"`
	Exchange    string    `json:"exchange"`
	Stream      string    `json:"stream"`
	Key         string    `json:"key"`
	RecordCount int       `json:"record_count"`
	FlushTime   time.Time `json:"flush_time"`
}

// KafkaMirror publishes a manifest for every successfully archived batch.
// Mirror failures are reported to the caller but never affect archival.
type KafkaMirror struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewKafkaMirror(cfg *appconfig.Config) *KafkaMirror {
	m := &KafkaMirror{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Storage.Kafka.Brokers...),
			Topic:    cfg.Storage.Kafka.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger(),
	}
	m.log.WithComponent("kafka_mirror").WithFields(logger.Fields{
		"brokers": cfg.Storage.Kafka.Brokers,
		"topic":   cfg.Storage.Kafka.Topic,
	}).Debug("kafka mirror initialized")
	return m
}

func (m *KafkaMirror) Publish(ctx context.Context, batch models.ArchiveBatch, key string) error {
	manifest := batchManifest{
		BatchID:     batch.BatchID,
		Exchange:    batch.Stream.Exchange,
		Stream:      batch.Stream.StreamName,
		Key:         key,
		RecordCount: batch.RecordCount,
		FlushTime:   batch.FlushTime,
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(batch.Stream.StreamName),
		Value: data,
	}
	if err := m.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	m.log.WithComponent("kafka_mirror").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"s3_key":   key,
	}).Debug("batch manifest mirrored")
	return nil
}

func (m *KafkaMirror) Close() {
	if err := m.writer.Close(); err != nil {
		m.log.WithComponent("kafka_mirror").WithError(err).Warn("failed to close kafka writer")
	}
}
