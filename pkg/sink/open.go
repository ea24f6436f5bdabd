package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Sink types accepted by Open.
const (
	TypeStdout = "stdout"
	TypeKafka  = "kafka"
)

// Kafka settings resolve from the environment first, then Config, then the
// defaults.
const (
	EnvKafkaBrokers   = "ASSETFLOW_KAFKA_BROKERS"
	EnvKafkaTopic     = "ASSETFLOW_KAFKA_TOPIC"
	DefaultKafkaTopic = "assetflow.events"
)

// Config selects and configures a Sink.
type Config struct {
	Type   string `hcl:"type,optional"`
	Format string `hcl:"format,optional"`

	Brokers     []string `hcl:"brokers,optional"`
	Topic       string   `hcl:"topic,optional"`
	CreateTopic bool     `hcl:"create_topic,optional"`
	Partitions  int      `hcl:"partitions,optional"`
}

// Open builds the Sink described by cfg. The stdout type writes to w.
func Open(ctx context.Context, cfg Config, w io.Writer, log hclog.Logger) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeStdout:
		return NewWriterSink(w, cfg.Format)
	case TypeKafka:
		return NewKafkaSink(ctx, KafkaConfig{
			Brokers:     kafkaBrokers(cfg),
			Topic:       kafkaTopic(cfg),
			CreateTopic: cfg.CreateTopic,
			Partitions:  int32(cfg.Partitions),
			Logger:      log,
		})
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

func kafkaBrokers(cfg Config) []string {
	if v := os.Getenv(EnvKafkaBrokers); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		return brokers
	}
	return cfg.Brokers
}

func kafkaTopic(cfg Config) string {
	if v := os.Getenv(EnvKafkaTopic); v != "" {
		return v
	}
	if cfg.Topic != "" {
		return cfg.Topic
	}
	return DefaultKafkaTopic
}
