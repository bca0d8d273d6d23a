package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaConfig configures the Kafka alert publisher
type KafkaConfig struct {
	Enabled  bool
	Brokers  []string
	Topic    string
	ClientID string
	Version  string
}

// KafkaChannel publishes alerts to a topic, keyed by recipient so a
// subject's alerts stay ordered within a partition.
type KafkaChannel struct {
	producer sarama.SyncProducer
	topic    string
	enabled  bool
}

// NewKafkaChannel connects a synchronous producer to the configured brokers
func NewKafkaChannel(cfg KafkaConfig) (*KafkaChannel, error) {
	config := sarama.NewConfig()
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("解析Kafka版本失败: %w", err)
		}
		config.Version = version
	}
	if cfg.ClientID != "" {
		config.ClientID = cfg.ClientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("创建Kafka生产者失败: %w", err)
	}
	return NewKafkaChannelWithProducer(producer, cfg.Topic), nil
}

// NewKafkaChannelWithProducer wraps an existing producer
func NewKafkaChannelWithProducer(producer sarama.SyncProducer, topic string) *KafkaChannel {
	return &KafkaChannel{producer: producer, topic: topic, enabled: true}
}

// Send publishes the alert as JSON
func (kc *KafkaChannel) Send(ctx context.Context, alert *Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic:     kc.topic,
		Key:       sarama.StringEncoder(alert.Recipient),
		Value:     sarama.ByteEncoder(value),
		Timestamp: alert.Timestamp,
		Headers: []sarama.RecordHeader{
			{Key: []byte("level"), Value: []byte(alert.Level)},
			{Key: []byte("source"), Value: []byte(alert.Source)},
		},
	}
	if _, _, err := kc.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// GetName returns the channel name
func (kc *KafkaChannel) GetName() string {
	return "kafka"
}

// IsEnabled returns whether the channel is enabled
func (kc *KafkaChannel) IsEnabled() bool {
	return kc.enabled && kc.topic != ""
}

// Close closes the producer
func (kc *KafkaChannel) Close() error {
	return kc.producer.Close()
}
