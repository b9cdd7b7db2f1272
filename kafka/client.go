// Package kafka provides the Sarama plumbing shared by the event producer and
// the per-topic consumer dispatcher: client configuration, producer
// construction and consumer-group subscriptions.
package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/dto"
)

// Brokers splits the configured broker list, dropping blanks.
//
// Returns an error if no broker is configured.
func Brokers(cfg config.KafkaConfig) ([]string, error) {
	var brokers []string
	for _, broker := range strings.Split(cfg.Brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("Kafka brokers not configured")
	}
	return brokers, nil
}

// GroupID returns the consumer group of a topic's handler. Each topic gets
// its own group so that instances load-balance within a topic while every
// topic is still consumed.
func GroupID(prefix string, topic dto.Topic) string {
	return fmt.Sprintf("%s_%s_handler", prefix, topic)
}

// newBaseConfig applies the settings shared by producers and consumers.
func newBaseConfig(cfg config.KafkaConfig) *sarama.Config {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V2_6_0_0
	if cfg.ClientID != "" {
		kafkaConfig.ClientID = cfg.ClientID
	}

	if cfg.SASLEnabled {
		kafkaConfig.Net.SASL.Enable = true
		kafkaConfig.Net.SASL.User = cfg.SASLUsername
		kafkaConfig.Net.SASL.Password = cfg.SASLPassword
		kafkaConfig.Net.SASL.Mechanism = sarama.SASLMechanism(cfg.SASLMechanism)
	}
	return kafkaConfig
}

// NewProducerConfig returns the Sarama configuration for the event producer.
// Keyed messages are hash-partitioned so events of one entity stay in order.
func NewProducerConfig(cfg config.KafkaConfig) *sarama.Config {
	kafkaConfig := newBaseConfig(cfg)
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Compression = sarama.CompressionSnappy
	kafkaConfig.Producer.Flush.Frequency = 500 * time.Millisecond
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	return kafkaConfig
}

// NewConsumerConfig returns the Sarama configuration for topic subscriptions.
func NewConsumerConfig(cfg config.KafkaConfig) *sarama.Config {
	kafkaConfig := newBaseConfig(cfg)
	kafkaConfig.Consumer.Return.Errors = true
	kafkaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	if cfg.SessionTimeout > 0 {
		kafkaConfig.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	}
	if strings.EqualFold(cfg.AutoOffsetReset, "latest") {
		kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	} else {
		kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	return kafkaConfig
}

// NewSyncProducer connects a Sarama SyncProducer to the configured brokers.
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	brokers, err := Brokers(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// NewConsumerGroup connects the consumer group for topic.
func NewConsumerGroup(cfg config.KafkaConfig, topic dto.Topic) (sarama.ConsumerGroup, error) {
	brokers, err := Brokers(cfg)
	if err != nil {
		return nil, err
	}

	groupID := GroupID(cfg.ConsumerGroupPrefix, topic)
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConsumerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", groupID, err)
	}
	return group, nil
}
