package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kalambet/claritap/internal/tap"
)

const (
	defaultBatchSize = 500
	writeTimeout     = 30 * time.Second
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes records to one topic per stream, keyed by primary key.
// Records are buffered and flushed before each state checkpoint, so a
// checkpoint is only emitted once the records before it are acknowledged.
// Schemas and state are not published.
type Kafka struct {
	writer      messageWriter
	brokers     []string
	topicPrefix string
	batchSize   int
	pending     []kafka.Message
	logger      *slog.Logger
}

// NewKafka creates a sink writing to brokers. Topics are topicPrefix+stream.
func NewKafka(brokers []string, topicPrefix string, logger *slog.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newKafka(w, brokers, topicPrefix, logger)
}

func newKafka(w messageWriter, brokers []string, topicPrefix string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		writer:      w,
		brokers:     brokers,
		topicPrefix: topicPrefix,
		batchSize:   defaultBatchSize,
		logger:      logger,
	}
}

// Topic returns the topic records of stream are published to.
func (k *Kafka) Topic(stream string) string {
	return k.topicPrefix + stream
}

func (k *Kafka) WriteSchema(tap.Schema) error { return nil }

func (k *Kafka) WriteRecord(stream string, rec tap.Record, extractedAt time.Time) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling %s record %s: %w", stream, rec.PrimaryKey(), err)
	}
	k.pending = append(k.pending, kafka.Message{
		Topic: k.Topic(stream),
		Key:   []byte(rec.PrimaryKey()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "stream", Value: []byte(stream)},
			{Key: "time-extracted", Value: []byte(extractedAt.UTC().Format(time.RFC3339Nano))},
		},
	})
	if len(k.pending) >= k.batchSize {
		return k.Flush()
	}
	return nil
}

// WriteState flushes buffered records; the state itself stays local.
func (k *Kafka) WriteState(tap.State) error {
	return k.Flush()
}

// Flush publishes buffered records.
func (k *Kafka) Flush() error {
	if len(k.pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, k.pending...); err != nil {
		return fmt.Errorf("publishing %d records: %w", len(k.pending), err)
	}
	k.logger.Debug("records published", "count", len(k.pending))
	k.pending = k.pending[:0]
	return nil
}

// Close flushes remaining records and closes the writer.
func (k *Kafka) Close() error {
	return errors.Join(k.Flush(), k.writer.Close())
}

// Check dials the first reachable broker.
func (k *Kafka) Check(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	var errs []error
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		conn.Close()
		return nil
	}
	return errors.Join(errs...)
}
