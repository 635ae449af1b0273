package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	radix "github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/infra/redis"
)

// RedisBus 基于 Redis PUBLISH/SUBSCRIBE 的单频道广播
type RedisBus struct {
	client  radix.Client
	ps      radix.PubSubConn
	channel string
	log     *zap.Logger

	mu        sync.Mutex
	subs      []chan radix.PubSubMessage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRedisBus 使用已有连接构建总线，client 负责发布，ps 负责订阅
func NewRedisBus(client radix.Client, ps radix.PubSubConn, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "chat:broadcast"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{client: client, ps: ps, channel: channel, log: log, done: make(chan struct{})}
}

// DialRedisBus 建立发布连接池与自动重连的订阅连接
func DialRedisBus(cfg *config.RedisConfig, log *zap.Logger) (*RedisBus, error) {
	pool, err := redis.NewPool(cfg)
	if err != nil {
		return nil, err
	}
	ps, err := redis.NewPubSub(cfg)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return NewRedisBus(pool, ps, cfg.Channel, log), nil
}

func (b *RedisBus) Publish(ctx context.Context, roomID, event string, data interface{}, excludeUserID string) error {
	body, err := encode(roomID, event, data, excludeUserID)
	if err != nil {
		return err
	}
	return b.client.Do(radix.FlatCmd(nil, "PUBLISH", b.channel, body))
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	select {
	case <-b.done:
		return errors.New("redis bus closed")
	default:
	}
	msgCh := make(chan radix.PubSubMessage, 256)
	if err := b.ps.Subscribe(msgCh, b.channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, msgCh)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case <-ctx.Done():
				_ = b.ps.Unsubscribe(msgCh, b.channel)
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				env, err := decode(msg.Message)
				if err != nil {
					b.log.Warn("drop undecodable envelope", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				h(env)
			}
		}
	}()
	return nil
}

// Close 退订并停止全部投递协程，返回前协程均已退出
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	for _, ch := range b.subs {
		_ = b.ps.Unsubscribe(ch, b.channel)
	}
	b.subs = nil
	b.mu.Unlock()
	b.wg.Wait()

	err := b.ps.Close()
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
