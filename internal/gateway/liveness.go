package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LivenessMonitor 周期性发送传输层 ping，上一周期没有收到 pong 的连接被终止
type LivenessMonitor struct {
	registry *Registry
	interval time.Duration
	evict    func(*Conn)
	log      *zap.Logger
}

// NewLivenessMonitor 创建心跳检测器，interval 非正数时取 30s
func NewLivenessMonitor(registry *Registry, interval time.Duration, evict func(*Conn), log *zap.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LivenessMonitor{registry: registry, interval: interval, evict: evict, log: log}
}

// Run 阻塞直到 ctx 结束
func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep 执行一个检测周期，返回被终止的连接数
func (m *LivenessMonitor) Sweep() int {
	evicted := 0
	for _, c := range m.registry.All() {
		if !c.alive.CompareAndSwap(true, false) {
			m.evict(c)
			evicted++
			continue
		}
		if err := c.transport.Ping(); err != nil {
			m.log.Debug("ping failed", zap.Uint64("conn_id", c.id), zap.Error(err))
		}
	}
	return evicted
}
