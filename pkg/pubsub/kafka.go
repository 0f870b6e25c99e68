package pubsub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Header keys stamped on every bus record so consumers can route without
// decoding the value.
const (
	headerEventType = "event-type"
	headerSource    = "event-source"

	pollInterval = 500 * time.Millisecond
)

// KafkaPubSub carries room events over Kafka. Every room channel with the
// same prefix and suffix shares one topic, keyed by room id so a room's
// events stay ordered on one partition.
type KafkaPubSub struct {
	producer *kafka.Producer
	cfg      KafkaConfig
	reports  chan struct{}

	mu        sync.Mutex
	consumers map[string]*kafkaConsumer
}

type kafkaConsumer struct {
	consumer *kafka.Consumer
	cancel   context.CancelFunc
	done     chan struct{}
}

func (c *kafkaConsumer) stop() error {
	c.cancel()
	<-c.done
	return c.consumer.Close()
}

// NewKafkaPubSub connects a producer and creates the configured topics.
func NewKafkaPubSub(cfg KafkaConfig) (*KafkaPubSub, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("create event producer: %w", err)
	}

	k := &KafkaPubSub{
		producer:  p,
		cfg:       cfg,
		reports:   make(chan struct{}),
		consumers: make(map[string]*kafkaConsumer),
	}
	go k.watchDeliveries()

	if err := k.createTopics(); err != nil {
		l := log.Component("pubsub")
		l.Warn().Err(err).Msg("event topic setup failed, assuming topics exist")
	}
	return k, nil
}

func (k *KafkaPubSub) createTopics() error {
	topics := k.cfg.Topics
	if len(topics) == 0 {
		topics = []string{TopicRoomEvents}
	}
	partitions := k.cfg.Partitions
	if partitions <= 0 {
		partitions = 4
	}

	admin, err := kafka.NewAdminClient(&kafka.ConfigMap{"bootstrap.servers": k.cfg.Brokers})
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer admin.Close()

	specs := make([]kafka.TopicSpecification, 0, len(topics))
	for _, t := range topics {
		specs = append(specs, kafka.TopicSpecification{Topic: t, NumPartitions: partitions, ReplicationFactor: 1})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, specs)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			errs = append(errs, fmt.Errorf("topic %s: %v", r.Topic, r.Error))
		}
	}
	return errors.Join(errs...)
}

func (k *KafkaPubSub) watchDeliveries() {
	defer close(k.reports)

	l := log.Component("pubsub")
	for e := range k.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			l.Warn().Err(m.TopicPartition.Error).Str(log.FieldRoomID, string(m.Key)).Msg("room event not delivered")
		}
	}
}

func (k *KafkaPubSub) Publish(ctx context.Context, channel string, event *Event) error {
	ch, err := parseRoomChannel(channel)
	if err != nil {
		return err
	}
	if ch.wildcard() {
		return fmt.Errorf("cannot publish to pattern %q", channel)
	}
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}

	topic := ch.topic()
	return k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ch.roomID),
		Value:          data,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(event.Type)},
			{Key: headerSource, Value: []byte(event.Source)},
		},
	}, nil)
}

// Subscribe consumes the room's topic and keeps only that room's records.
func (k *KafkaPubSub) Subscribe(ctx context.Context, channel string) (<-chan *Event, error) {
	ch, err := parseRoomChannel(channel)
	if err != nil {
		return nil, err
	}
	return k.consume(ctx, channel, ch)
}

// SubscribePattern consumes every room's records on the pattern's topic.
func (k *KafkaPubSub) SubscribePattern(ctx context.Context, pattern string) (<-chan *Event, error) {
	ch, err := parseRoomChannel(pattern)
	if err != nil {
		return nil, err
	}
	if !ch.wildcard() {
		return nil, fmt.Errorf("pattern %q does not match every room", pattern)
	}
	return k.consume(ctx, pattern, ch)
}

func (k *KafkaPubSub) consume(ctx context.Context, key string, ch roomChannel) (<-chan *Event, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if prev, ok := k.consumers[key]; ok {
		prev.stop()
		delete(k.consumers, key)
	}

	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       k.cfg.Brokers,
		"group.id":                consumerGroup(k.cfg.GroupID, key),
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("create event consumer: %w", err)
	}
	if err := c.Subscribe(ch.topic(), nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("subscribe to topic %s: %w", ch.topic(), err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	kc := &kafkaConsumer{consumer: c, cancel: cancel, done: make(chan struct{})}
	k.consumers[key] = kc

	out := make(chan *Event, subscriberBuffer)
	filter := ""
	if !ch.wildcard() {
		filter = ch.roomID
	}
	go k.read(subCtx, kc, out, filter)

	return out, nil
}

func (k *KafkaPubSub) read(ctx context.Context, kc *kafkaConsumer, out chan<- *Event, roomID string) {
	defer close(kc.done)
	defer close(out)

	l := log.Component("pubsub")
	for ctx.Err() == nil {
		msg, err := kc.consumer.ReadMessage(pollInterval)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			l.Error().Err(err).Msg("event consumer error")
			if errors.As(err, &kerr) && kerr.IsFatal() {
				return
			}
			continue
		}
		if roomID != "" && string(msg.Key) != roomID {
			continue
		}
		if !deliver(ctx, out, msg.Value, *msg.TopicPartition.Topic, &l) {
			return
		}
	}
}

func (k *KafkaPubSub) Unsubscribe(ctx context.Context, channel string) error {
	k.mu.Lock()
	kc, ok := k.consumers[channel]
	delete(k.consumers, channel)
	k.mu.Unlock()

	if !ok {
		return nil
	}
	return kc.stop()
}

// Close stops every consumer, then flushes and closes the producer.
func (k *KafkaPubSub) Close() error {
	k.mu.Lock()
	for key, kc := range k.consumers {
		kc.stop()
		delete(k.consumers, key)
	}
	k.mu.Unlock()

	k.producer.Flush(5000)
	k.producer.Close()
	<-k.reports
	return nil
}

var groupUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// consumerGroup gives each subscription key its own group so every
// subscriber sees every event.
func consumerGroup(base, key string) string {
	if base == "" {
		base = "relay"
	}
	return base + "-" + groupUnsafe.ReplaceAllString(key, "-")
}
