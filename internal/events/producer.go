package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	"github.com/weiawesome/wes-io-live-relay/internal/metrics"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Header keys carried on every chat stream record.
const (
	HeaderRecordType = "record-type"
	HeaderInstance   = "relay-instance"

	recordTypeChat = "chat_message"
	flushTimeoutMs = 5000
)

// ChatProducer streams accepted chat messages.
type ChatProducer interface {
	ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error
	Close() error
}

// ProducerConfig configures the chat stream.
type ProducerConfig struct {
	Brokers    string
	Topic      string
	Partitions int
	Instance   string // stamped on each record so consumers can tell relays apart
}

// ConfluentProducer writes accepted chat lines to a Kafka topic. Records are
// keyed by room id so one room's history stays on one partition in order.
type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	instance string
	reports  chan struct{}
}

// NewConfluentProducer connects to the brokers, creating the topic first
// when it does not exist.
func NewConfluentProducer(ctx context.Context, cfg ProducerConfig) (*ConfluentProducer, error) {
	l := log.Component("chat_stream")
	if err := createTopic(ctx, cfg); err != nil {
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("topic setup failed, assuming it exists")
	}

	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"client.id":         cfg.Instance,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create chat stream producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    cfg.Topic,
		instance: cfg.Instance,
		reports:  make(chan struct{}),
	}
	go cp.watchDeliveries()

	return cp, nil
}

func createTopic(ctx context.Context, cfg ProducerConfig) error {
	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": cfg.Brokers})
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cfg.Topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) watchDeliveries() {
	defer close(cp.reports)

	l := log.Component("chat_stream")
	for e := range cp.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				metrics.ChatStreamRecords.WithLabelValues("failed").Inc()
				l.Warn().Err(ev.TopicPartition.Error).Str(log.FieldRoomID, string(ev.Key)).Msg("chat record not delivered")
				continue
			}
			metrics.ChatStreamRecords.WithLabelValues("delivered").Inc()
		case kafka.Error:
			l.Error().Err(ev).Msg("chat stream client error")
		}
	}
}

// ProduceMessage enqueues msg. Delivery is reported asynchronously.
func (cp *ConfluentProducer) ProduceMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := chatRecord(cp.topic, cp.instance, msg)
	if err != nil {
		return err
	}
	if err := cp.producer.Produce(record, nil); err != nil {
		metrics.ChatStreamRecords.WithLabelValues("rejected").Inc()
		return fmt.Errorf("produce chat record: %w", err)
	}
	return nil
}

// Close flushes buffered records and waits for the delivery watcher.
func (cp *ConfluentProducer) Close() error {
	remaining := cp.producer.Flush(flushTimeoutMs)
	cp.producer.Close()
	<-cp.reports

	if remaining > 0 {
		return fmt.Errorf("chat stream closed with %d undelivered records", remaining)
	}
	return nil
}

func chatRecord(topic, instance string, msg *domain.ChatMessage) (*kafka.Message, error) {
	value, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode chat record: %w", err)
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(msg.RoomID),
		Value:          value,
		Timestamp:      msg.Time(),
		Headers: []kafka.Header{
			{Key: HeaderRecordType, Value: []byte(recordTypeChat)},
			{Key: HeaderInstance, Value: []byte(instance)},
		},
	}, nil
}
