package kafka

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// Config is the exporter's producer and topic settings.
type Config struct {
	Brokers           []string
	Topic             string // default "conversation.messages"
	NodeID            string
	Retries           int    // default 3
	Compression       string // none/snappy/lz4/zstd
	Version           sarama.KafkaVersion
	AutoCreateTopic   bool
	Partitions        int32 // default 8
	ReplicationFactor int16 // default 1
}

func (c *Config) norm() {
	if c.Topic == "" {
		c.Topic = "conversation.messages" // 消息导出的 topic
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.Version == (sarama.KafkaVersion{}) {
		c.Version = sarama.V2_1_0_0
	}
	if c.Partitions <= 0 {
		c.Partitions = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
}

// BuildSaramaConfig returns the producer configuration. Messages are
// hash-partitioned on the key so one conversation stays in one partition.
func BuildSaramaConfig(c Config) *sarama.Config {
	c.norm()
	cfg := sarama.NewConfig()
	cfg.Version = c.Version
	cfg.ClientID = "ppr-gateway"

	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}
