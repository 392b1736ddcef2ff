package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"pair-send-go/internal/config"
	"pair-send-go/pkg/log"
)

// Handler 处理一条已反序列化前的原始消息。
// 语义为至少一次投递，实现必须对重复投递保持幂等。
type Handler func(ctx context.Context, value []byte) error

// Consumer 消费单个主题。失败的消息在原地按指数退避重试，
// 重试次数耗尽后转入对应的死信主题并提交 offset，不会丢弃也不会跳过。
type Consumer struct {
	cfg      config.KafkaConfig
	topic    string
	producer *Producer
	handler  Handler
	backoff  func(attempt int) time.Duration
}

// NewConsumer 创建一个新的 Consumer 实例。
func NewConsumer(cfg config.KafkaConfig, topic string, producer *Producer, handler Handler) *Consumer {
	return &Consumer{
		cfg:      cfg,
		topic:    topic,
		producer: producer,
		handler:  handler,
		backoff:  expBackoff,
	}
}

func expBackoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt-1)) * time.Second
}

// deliver 在同一条消息上重复执行 handler，直到成功或次数耗尽，返回最后一次错误。
// 组内活跃的 reader 不会重投未提交的消息，所以重试必须在拉取下一条之前原地完成，
// 否则后续消息的提交会把失败的 offset 一并带过去。
func deliver(ctx context.Context, handler Handler, value []byte, maxAttempts int, backoff func(attempt int) time.Duration) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = handler(ctx, value); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return err
}

// Run 启动消费循环，直到 ctx 取消。
func (c *Consumer) Run(ctx context.Context) {
	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{c.cfg.Brokers},
		Topic:    c.topic,
		GroupID:  c.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	defer func() {
		if err := r.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.topic)

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}

		if err := deliver(ctx, c.handler, m.Value, maxAttempts, c.backoff); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("消息重试耗尽(%d 次)，转入死信主题 %s%s, offset: %d, error: %v",
				maxAttempts, c.topic, DLQSuffix, m.Offset, err)
			if !c.forwardToDLQ(ctx, m) {
				return
			}
		}

		// 死信写入成功之前不会走到这里，提交不会跳过任何消息
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// forwardToDLQ 将原始消息原样写入死信主题，保留 key 以便排查。
// 写入失败时持续重试，返回 false 表示 ctx 已取消；未写入死信绝不提交 offset。
func (c *Consumer) forwardToDLQ(ctx context.Context, m kafka.Message) bool {
	w := c.producer.writer(c.topic + DLQSuffix)
	for {
		err := w.WriteMessages(ctx, kafka.Message{
			Key:   m.Key,
			Value: m.Value,
		})
		if err == nil {
			return true
		}
		log.Errorf("写入死信主题失败: %v", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}
