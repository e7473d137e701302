package kafka

import (
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EnsureTopic creates topic when missing and grows its partition count up to
// c.Partitions. Partitions are never reduced.
func EnsureTopic(admin sarama.ClusterAdmin, c Config) error {
	c.norm()
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", c.Topic, err)
	}
	exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}

	if !exists {
		td := &sarama.TopicDetail{
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				glog.Infof("[Kafka] topic exists (race): %s", c.Topic)
				return nil
			}
			return fmt.Errorf("create topic %s: %w", c.Topic, err)
		}
		glog.Infof("[Kafka] topic created: %s (partitions=%d, rf=%d)", c.Topic, c.Partitions, c.ReplicationFactor)
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.Partitions > cur {
		if err := admin.CreatePartitions(c.Topic, c.Partitions, nil, false); err != nil {
			return fmt.Errorf("expand partitions %s from %d to %d: %w", c.Topic, cur, c.Partitions, err)
		}
		glog.Infof("[Kafka] partitions expanded: %s (%d -> %d)", c.Topic, cur, c.Partitions)
		return nil
	}
	glog.Infof("[Kafka] topic exists: %s (partitions=%d)", c.Topic, cur)
	return nil
}

func strPtr(s string) *string { return &s }
