package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter kafka.Writer 中用到的部分
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig Kafka 發佈設定
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// Kafka 將事件發佈到 Kafka topic，以世界名稱為 key
//
// 同一世界的事件落在同一 partition，保持順序。
type Kafka struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

// NewKafka 建立 Kafka 發佈者
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("notify: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("notify: kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafka(w, cfg.Topic, cfg.WriteTimeout), nil
}

func newKafka(w messageWriter, topic string, timeout time.Duration) *Kafka {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Kafka{writer: w, topic: topic, timeout: timeout}
}

// Topic 發佈的 topic
func (k *Kafka) Topic() string { return k.topic }

func (k *Kafka) Notify(ctx context.Context, e Event) error {
	if err := e.validate(); err != nil {
		return err
	}
	msg, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.World),
		Value: msg,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("notify: publish to %s: %w", k.topic, err)
	}
	return nil
}

// Close 關閉底層 writer
func (k *Kafka) Close() error {
	return k.writer.Close()
}
