package bus

import (
	"context"
	"fmt"
	"time"

	"feedhub/internal/logger"

	kafka "github.com/segmentio/kafka-go"
)

type KafkaOptions struct {
	Brokers      []string
	ClientID     string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	RequiredAcks int
}

// Kafka publishes synchronously; the topic travels on each message so one
// writer serves every market.<symbol>.<timeframe> topic.
type Kafka struct {
	writer *kafka.Writer
}

func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	batchTimeout := opts.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 50 * time.Millisecond
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	acks := kafka.RequireOne
	if opts.RequiredAcks != 0 {
		acks = kafka.RequiredAcks(opts.RequiredAcks)
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		WriteTimeout:           writeTimeout,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: true,
	}
	if opts.ClientID != "" {
		w.Transport = &kafka.Transport{ClientID: opts.ClientID}
	}
	logger.Debugf("[bus] kafka writer initialized brokers=%v", opts.Brokers)
	return &Kafka{writer: w}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, key, payload []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

var (
	_ Publisher = (*Kafka)(nil)
	_ Publisher = Nop{}
	_ Publisher = (*Memory)(nil)
)
