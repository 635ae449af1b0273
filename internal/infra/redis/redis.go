// Package redis 构建 Redis 连接：发布/缓存用的连接池与自动重连的订阅连接。
package redis

import (
	"fmt"

	radix "github.com/mediocregopher/radix/v3"

	"github.com/example/chatgateway/internal/config"
)

// NewPool 创建 Redis 连接池
func NewPool(cfg *config.RedisConfig) (radix.Client, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 10
	}
	pool, err := radix.NewPool("tcp", cfg.Addr, size)
	if err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return pool, nil
}

// NewPubSub 创建断线自动重连的订阅连接
func NewPubSub(cfg *config.RedisConfig) (radix.PubSubConn, error) {
	ps, err := radix.PersistentPubSubWithOpts("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("connect redis pubsub %s: %w", cfg.Addr, err)
	}
	return ps, nil
}
