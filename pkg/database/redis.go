package database

import (
	"context"

	"github.com/go-redis/redis/v8"
)

// NewRedis 初始化 Redis 客户端连接并验证连通性。
func NewRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}
