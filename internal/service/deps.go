package service

import (
	"context"
	"time"
)

// Locker 是业务临界区使用的分布式锁。pkg/lock 提供生产实现。
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, tok string) error
}

// Publisher 向事件总线发布消息。pkg/bus 提供生产实现。
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

// RateLimiter 按 (用户, 动作) 维度做滑动窗口限流。pkg/ratelimit 提供生产实现。
type RateLimiter interface {
	Allow(ctx context.Context, userID, action string, limit int) (bool, error)
}

// ChunkStore 是上传路径需要的对象存储能力。
type ChunkStore interface {
	PutChunk(ctx context.Context, sessionID, fileID string, index int, payload []byte) (string, error)
}

// URLSigner 为成品对象签发限时下载 URL。
type URLSigner interface {
	PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)
}
