package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPBus 基于 fanout 交换机的广播，每个进程绑定一个独占的临时队列
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string
	log      *zap.Logger

	mu    sync.Mutex // amqp.Channel 发布不是并发安全的
	pubCh *amqp.Channel
	subCh []*amqp.Channel
}

// NewAMQPBus 声明 fanout 交换机并打开发布通道
func NewAMQPBus(conn *amqp.Connection, exchange string, log *zap.Logger) (*AMQPBus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPBus{conn: conn, exchange: exchange, log: log, pubCh: ch}, nil
}

func (b *AMQPBus) Publish(ctx context.Context, roomID, event string, data interface{}, excludeUserID string) error {
	body, err := encode(roomID, event, data, excludeUserID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubCh.PublishWithContext(ctx, b.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (b *AMQPBus) Subscribe(ctx context.Context, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	// 尽力投递，自动确认
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume: %w", err)
	}

	b.mu.Lock()
	b.subCh = append(b.subCh, ch)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = ch.Close()
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				env, err := decode(d.Body)
				if err != nil {
					b.log.Warn("drop undecodable envelope", zap.String("exchange", b.exchange), zap.Error(err))
					continue
				}
				h(env)
			}
		}
	}()
	return nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subCh {
		_ = ch.Close()
	}
	b.subCh = nil
	return b.pubCh.Close()
}
