// Package retention 历史消息清理：定时为每个会话投递清理任务，worker 消费任务并删除旧消息。
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/infra/mq"
)

// CleanupJob 单个会话的清理任务
type CleanupJob struct {
	RoomID   string `json:"roomId"`
	KeepLast int    `json:"keepLast"`
}

// Publisher 投递清理任务
type Publisher interface {
	PublishCleanup(ctx context.Context, job CleanupJob) error
}

func decodeJob(body []byte) (CleanupJob, error) {
	var job CleanupJob
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("%w: decode cleanup job: %v", chat.ErrValidation, err)
	}
	if job.RoomID == "" {
		return job, fmt.Errorf("%w: cleanup job without roomId", chat.ErrValidation)
	}
	return job, nil
}

// AMQPPublisher 把任务写入持久化队列
type AMQPPublisher struct {
	queue string

	mu sync.Mutex
	ch *amqp.Channel
}

// NewAMQPPublisher 打开通道并声明队列
func NewAMQPPublisher(conn *amqp.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := mq.DeclareQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &AMQPPublisher{queue: queue, ch: ch}, nil
}

func (p *AMQPPublisher) PublishCleanup(ctx context.Context, job CleanupJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
