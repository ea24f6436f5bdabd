package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Record headers set by KafkaSink.
const (
	HeaderRoutingKey = "routing_key"
	HeaderInstanceID = "instance_id"
)

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers []string
	Topic   string

	// CreateTopic creates Topic with Partitions partitions on start when it
	// does not exist yet.
	CreateTopic bool
	Partitions  int32

	Logger hclog.Logger
}

// KafkaSink produces every record synchronously to a Kafka topic, keyed by
// kref so events for one resource stay ordered within a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger hclog.Logger
}

// NewKafkaSink connects to the brokers in cfg.
func NewKafkaSink(ctx context.Context, cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			backoff := time.Duration(tries) * 100 * time.Millisecond
			if backoff > 10*time.Second {
				backoff = 10 * time.Second
			}
			return backoff
		}),
		kgo.RequestRetries(10),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	s := &KafkaSink{
		client: client,
		topic:  cfg.Topic,
		logger: cfg.Logger.Named("kafka-sink"),
	}

	if cfg.CreateTopic {
		if err := s.ensureTopic(ctx, cfg.Partitions); err != nil {
			client.Close()
			return nil, err
		}
	}
	return s, nil
}

// ensureTopic creates the topic, treating "already exists" as success.
func (s *KafkaSink) ensureTopic(ctx context.Context, partitions int32) error {
	if partitions <= 0 {
		partitions = 1
	}

	req := kmsg.NewCreateTopicsRequest()
	topic := kmsg.NewCreateTopicsRequestTopic()
	topic.Topic = s.topic
	topic.NumPartitions = partitions
	topic.ReplicationFactor = -1
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", s.topic, err)
	}
	for _, t := range resp.Topics {
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("failed to create topic %s: %w", s.topic, err)
		}
	}
	s.logger.Debug("topic ready", "topic", s.topic, "partitions", partitions)
	return nil
}

func (s *KafkaSink) Emit(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	kr := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.Kref),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderRoutingKey, Value: []byte(rec.RoutingKey)},
			{Key: HeaderInstanceID, Value: []byte(rec.InstanceID)},
		},
	}
	if err := s.client.ProduceSync(ctx, kr).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce record: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
