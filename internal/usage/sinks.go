package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mrmushfiq/apiengine/internal/shared/models"
)

// Sink persists usage records.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *models.UsageRecord) error
}

// Store is the catalog side of the usage log.
type Store interface {
	InsertUsage(ctx context.Context, rec *models.UsageRecord) error
}

// DBSink appends records to the catalog.
type DBSink struct {
	store Store
}

func NewDBSink(store Store) *DBSink {
	return &DBSink{store: store}
}

func (s *DBSink) Name() string { return "db" }

func (s *DBSink) Write(ctx context.Context, rec *models.UsageRecord) error {
	return s.store.InsertUsage(ctx, rec)
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records as JSON events keyed by definition id, so
// one API's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireOne,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		topic: topic,
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, rec *models.UsageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Topic: s.topic,
		Key:   []byte(rec.DefinitionID),
		Value: payload,
		Time:  rec.CreatedAt,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
