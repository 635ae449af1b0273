package retention

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/infra/mq"
	"github.com/example/chatgateway/internal/service"
)

// Cleaner 删除会话中除最近 keepLast 条以外的消息
type Cleaner interface {
	CleanupOldMessages(ctx context.Context, roomID string, keepLast int) (int64, error)
}

// Outcome 任务处理结果对应的确认方式
type Outcome int

const (
	// Ack 处理完成
	Ack Outcome = iota
	// Drop 任务本身无效，拒绝且不重新入队
	Drop
	// Requeue 存储暂时不可用，重新入队
	Requeue
)

// Worker 清理任务消费者
type Worker struct {
	svc     Cleaner
	monitor *service.Monitor
	log     *zap.Logger
}

// NewWorker 创建 worker
func NewWorker(svc Cleaner, monitor *service.Monitor, log *zap.Logger) *Worker {
	if monitor == nil {
		monitor = service.NewMonitor()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{svc: svc, monitor: monitor, log: log}
}

// Handle 处理一条任务
func (w *Worker) Handle(ctx context.Context, body []byte) Outcome {
	job, err := decodeJob(body)
	if err != nil {
		w.log.Warn("invalid cleanup job", zap.ByteString("body", body), zap.Error(err))
		return Drop
	}

	deleted, err := w.svc.CleanupOldMessages(ctx, job.RoomID, job.KeepLast)
	switch {
	case err == nil:
		w.log.Info("room cleaned", zap.String("room_id", job.RoomID), zap.Int("keep_last", job.KeepLast), zap.Int64("deleted", deleted))
		return Ack
	case errors.Is(err, chat.ErrValidation), errors.Is(err, chat.ErrNotFound):
		w.log.Warn("cleanup job rejected", zap.String("room_id", job.RoomID), zap.Error(err))
		return Drop
	default:
		w.log.Error("cleanup failed, requeue", zap.String("room_id", job.RoomID), zap.Error(err))
		return Requeue
	}
}

// Consume 手动确认模式消费队列，直到 ctx 结束或通道关闭
func (w *Worker) Consume(ctx context.Context, conn *amqp.Connection, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := mq.DeclareQueue(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	w.log.Info("retention worker started", zap.String("queue", queue))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("retention queue channel closed")
			}
			var ackErr error
			switch w.Handle(ctx, d.Body) {
			case Ack:
				ackErr = d.Ack(false)
			case Drop:
				ackErr = d.Nack(false, false)
			case Requeue:
				ackErr = d.Nack(false, true)
			}
			if ackErr != nil {
				w.monitor.RecordMQError()
				w.log.Error("ack cleanup job failed", zap.Error(ackErr))
			}
		}
	}
}
