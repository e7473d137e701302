package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/service/chat"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
	pkgerrors "github.com/pkg/errors"
)

const eventMessageCreated = "message.created"

// Record is the value written for every persisted message.
type Record struct {
	Event      string       `json:"event"`
	Node       string       `json:"node"`
	ExportedAt time.Time    `json:"exported_at"`
	Message    chat.Message `json:"message"`
}

// Producer exports persisted messages to Kafka, keyed by conversation ID.
// Delivery is asynchronous; failures are counted and logged.
type Producer struct {
	topic string
	node  string
	ap    sarama.AsyncProducer

	sent   atomic.Int64
	failed atomic.Int64
	wg     sync.WaitGroup
}

var _ chat.EventSink = (*Producer)(nil)

// NewProducer connects to the brokers, optionally ensuring the topic first.
func NewProducer(c Config) (*Producer, error) {
	c.norm()
	scfg := BuildSaramaConfig(c)
	// 1) 启动前（可选）创建 Topic
	if c.AutoCreateTopic {
		admin, err := sarama.NewClusterAdmin(c.Brokers, scfg)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "kafka admin")
		}
		err = EnsureTopic(admin, c)
		_ = admin.Close()
		if err != nil {
			return nil, err
		}
	}
	// 2) 初始化 Client & Producer
	client, err := sarama.NewClient(c.Brokers, scfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kafka client")
	}
	ap, err := sarama.NewAsyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, pkgerrors.Wrap(err, "kafka producer")
	}
	glog.Infof("[Kafka] producer ready brokers=%v topic=%s", c.Brokers, c.Topic)
	return NewProducerWith(ap, c), nil
}

// NewProducerWith wraps an existing producer, which must return successes and errors.
func NewProducerWith(ap sarama.AsyncProducer, c Config) *Producer {
	c.norm()
	p := &Producer{topic: c.Topic, node: c.NodeID, ap: ap}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		for range ap.Successes() {
			p.sent.Add(1)
		}
	}()
	go func() {
		defer p.wg.Done()
		for err := range ap.Errors() {
			p.failed.Add(1)
			glog.Warningf("[Kafka] export failed topic=%s: %v", p.topic, err.Err)
		}
	}()
	return p
}

func (p *Producer) MessageCreated(ctx context.Context, m chat.Message) error {
	value, err := json.Marshal(Record{
		Event:      eventMessageCreated,
		Node:       p.node,
		ExportedAt: time.Now().UTC(),
		Message:    m,
	})
	if err != nil {
		return pkgerrors.Wrap(err, "encode record")
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(m.RoomID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(eventMessageCreated)},
			{Key: []byte("role"), Value: []byte(m.Role)},
		},
	}
	select {
	case p.ap.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports acknowledged and failed exports so far.
func (p *Producer) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}

// Close flushes buffered messages and waits for the result drains.
func (p *Producer) Close() error {
	err := p.ap.Close()
	p.wg.Wait()
	if err != nil {
		return pkgerrors.Wrap(err, "close kafka producer")
	}
	return nil
}
