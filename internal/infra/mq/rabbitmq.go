// Package mq RabbitMQ 连接与队列声明
package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/chatgateway/internal/config"
)

// Dial 建立 RabbitMQ 连接
func Dial(cfg *config.RabbitMQConfig) (*amqp.Connection, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return conn, nil
}

// DeclareQueue 声明持久化队列，生产端与消费端使用同一组参数
func DeclareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return q, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q, nil
}
