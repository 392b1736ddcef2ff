package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/segmentio/kafka-go"

	"pair-send-go/internal/config"
)

// Producer 按主题惰性创建 kafka.Writer 并发布 JSON 消息。
type Producer struct {
	brokers string
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewProducer 创建一个新的 Producer 实例。
func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{
		brokers: cfg.Brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

func (p *Producer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(p.brokers),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	p.writers[topic] = w
	return w
}

// Publish 将消息序列化为 JSON 并发送到指定主题。key 用于同一文件的消息保序。
func (p *Producer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

// Close 关闭所有已创建的 writer。
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
