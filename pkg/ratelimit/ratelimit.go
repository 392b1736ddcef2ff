// Package ratelimit 提供了基于 Redis ZSET 的滑动窗口限流。
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Limiter 按 (用户, 动作) 维度统计滑动窗口内的请求次数。
type Limiter struct {
	rdb    *redis.Client
	window time.Duration
}

// NewLimiter 创建一个新的 Limiter 实例，window 为滑动窗口长度。
func NewLimiter(rdb *redis.Client, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, window: window}
}

func limitKey(userID, action string) string {
	return fmt.Sprintf("ratelimit:%s:%s", action, userID)
}

// Allow 报告 userID 在当前窗口内针对 action 的第 n 次请求是否放行。
// 实现：清理窗口外的成员，统计剩余数量，未超限则记录本次请求并续期。
func (l *Limiter) Allow(ctx context.Context, userID, action string, limit int) (bool, error) {
	now := time.Now()
	key := limitKey(userID, action)
	windowStart := now.Add(-l.window)

	if err := l.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return false, err
	}

	count, err := l.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count >= int64(limit) {
		return false, nil
	}

	member := redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatInt(count, 10),
	}
	if err := l.rdb.ZAdd(ctx, key, &member).Err(); err != nil {
		return false, err
	}
	// key 随窗口过期，崩溃的 worker 不会留下永久计数
	if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
		return false, err
	}
	return true, nil
}
