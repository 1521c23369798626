package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// MessageWriter is the part of kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka writes one record per message, keyed by provider.symbol so that a
// symbol stays on one partition.
type Kafka struct {
	writer MessageWriter
	topic  string
	log    *logger.Entry
}

func NewKafka(cfg config.KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafka(w, cfg.Topic), nil
}

func newKafka(w MessageWriter, topic string) *Kafka {
	return &Kafka{
		writer: w,
		topic:  topic,
		log:    logger.GetLogger().WithComponent("kafka_sink").WithField("topic", topic),
	}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Deliver(ctx context.Context, msg models.MarketMessage) error {
	value, err := models.Encode(msg)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(messageKey(msg)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(msg.Category().Event())},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.log.Info("closing kafka writer")
	return k.writer.Close()
}
