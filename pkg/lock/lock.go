// Package lock 提供了基于 Redis 的跨 worker 互斥锁。
// 获取使用 SET NX PX，释放通过 Lua 脚本校验持有令牌，持有者崩溃后锁随 TTL 自动过期。
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"pair-send-go/pkg/token"
)

// releaseScript 仅在令牌匹配时删除锁，保证 worker 不会释放不属于自己的锁。
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Locker 是基于 Redis 的分布式锁客户端。
type Locker struct {
	rdb *redis.Client
}

// NewLocker 创建一个新的 Locker 实例。
func NewLocker(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

func lockKey(name string) string {
	return "lock:" + name
}

// Acquire 尝试获取名为 name 的锁。
// 成功时返回持有令牌；锁已被占用时返回 ok=false，调用方应快速失败而不是阻塞等待。
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	tok := token.GenerateRandomString(16)
	ok, err := l.rdb.SetNX(ctx, lockKey(name), tok, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return tok, true, nil
}

// Release 释放名为 name 的锁。tok 必须是 Acquire 返回的令牌。
// 令牌不匹配（锁已过期并被他人持有）时静默返回，不会误删。
func (l *Locker) Release(ctx context.Context, name, tok string) error {
	return l.rdb.Eval(ctx, releaseScript, []string{lockKey(name)}, tok).Err()
}
