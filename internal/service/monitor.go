package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor 监控服务，统计连接、消息与各依赖的错误，同时作为 prometheus Collector 导出
type Monitor struct {
	mu sync.RWMutex

	// 错误统计
	BusErrors      int64
	DBErrors       int64
	MQErrors       int64
	ProtocolErrors int64

	// 连接统计
	ConnectionsOpened int64
	ConnectionsClosed int64
	LivenessEvictions int64

	// 消息统计
	FramesIn         int64
	MessagesCreated  int64
	RetentionDeleted int64

	// 时间统计
	LastBusError    time.Time
	LastDBError     time.Time
	LastMQError     time.Time
	LastMessageTime time.Time

	liveConns func() int
}

// NewMonitor 创建监控实例
func NewMonitor() *Monitor {
	return &Monitor{}
}

// SetLiveConnections 注入当前在线连接数的读取函数
func (m *Monitor) SetLiveConnections(fn func() int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveConns = fn
}

// RecordBusError 记录广播总线错误
func (m *Monitor) RecordBusError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BusErrors++
	m.LastBusError = time.Now()
}

// RecordDBError 记录数据库错误
func (m *Monitor) RecordDBError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DBErrors++
	m.LastDBError = time.Now()
}

// RecordMQError 记录MQ错误
func (m *Monitor) RecordMQError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MQErrors++
	m.LastMQError = time.Now()
}

// RecordProtocolError 记录无法解析或未知的入站帧
func (m *Monitor) RecordProtocolError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ProtocolErrors++
}

func (m *Monitor) RecordConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectionsOpened++
}

func (m *Monitor) RecordConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectionsClosed++
}

// RecordEviction 记录心跳超时被踢掉的连接
func (m *Monitor) RecordEviction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LivenessEvictions++
}

func (m *Monitor) RecordFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FramesIn++
}

// RecordMessage 记录成功落库的消息
func (m *Monitor) RecordMessage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesCreated++
	m.LastMessageTime = time.Now()
}

// RecordRetention 记录清理删除的消息数
func (m *Monitor) RecordRetention(deleted int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RetentionDeleted += deleted
}

func (m *Monitor) live() int {
	if m.liveConns == nil {
		return 0
	}
	return m.liveConns()
}

// GetStats 获取统计信息
func (m *Monitor) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"errors": map[string]interface{}{
			"bus":      m.BusErrors,
			"db":       m.DBErrors,
			"mq":       m.MQErrors,
			"protocol": m.ProtocolErrors,
		},
		"connections": map[string]interface{}{
			"live":      m.live(),
			"opened":    m.ConnectionsOpened,
			"closed":    m.ConnectionsClosed,
			"evictions": m.LivenessEvictions,
		},
		"messages": map[string]interface{}{
			"frames_in":         m.FramesIn,
			"created":           m.MessagesCreated,
			"retention_deleted": m.RetentionDeleted,
		},
		"last_events": map[string]interface{}{
			"bus_error":    m.LastBusError,
			"db_error":     m.LastDBError,
			"mq_error":     m.LastMQError,
			"last_message": m.LastMessageTime,
		},
	}
}

// Reset 重置统计（用于测试或定期清理）
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BusErrors = 0
	m.DBErrors = 0
	m.MQErrors = 0
	m.ProtocolErrors = 0
	m.ConnectionsOpened = 0
	m.ConnectionsClosed = 0
	m.LivenessEvictions = 0
	m.FramesIn = 0
	m.MessagesCreated = 0
	m.RetentionDeleted = 0
}

var (
	descErrors      = prometheus.NewDesc("chat_errors_total", "Errors by dependency.", []string{"source"}, nil)
	descConnections = prometheus.NewDesc("chat_connections_total", "Connection lifecycle events.", []string{"event"}, nil)
	descLive        = prometheus.NewDesc("chat_connections_live", "Live websocket connections on this process.", nil, nil)
	descFrames      = prometheus.NewDesc("chat_frames_in_total", "Inbound websocket frames.", nil, nil)
	descMessages    = prometheus.NewDesc("chat_messages_created_total", "Messages persisted.", nil, nil)
	descRetention   = prometheus.NewDesc("chat_retention_deleted_total", "Messages removed by retention.", nil, nil)
)

// Describe 实现 prometheus.Collector
func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	ch <- descErrors
	ch <- descConnections
	ch <- descLive
	ch <- descFrames
	ch <- descMessages
	ch <- descRetention
}

// Collect 实现 prometheus.Collector
func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for source, v := range map[string]int64{
		"bus":      m.BusErrors,
		"db":       m.DBErrors,
		"mq":       m.MQErrors,
		"protocol": m.ProtocolErrors,
	} {
		ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(v), source)
	}
	for event, v := range map[string]int64{
		"opened":  m.ConnectionsOpened,
		"closed":  m.ConnectionsClosed,
		"evicted": m.LivenessEvictions,
	} {
		ch <- prometheus.MustNewConstMetric(descConnections, prometheus.CounterValue, float64(v), event)
	}
	ch <- prometheus.MustNewConstMetric(descLive, prometheus.GaugeValue, float64(m.live()))
	ch <- prometheus.MustNewConstMetric(descFrames, prometheus.CounterValue, float64(m.FramesIn))
	ch <- prometheus.MustNewConstMetric(descMessages, prometheus.CounterValue, float64(m.MessagesCreated))
	ch <- prometheus.MustNewConstMetric(descRetention, prometheus.CounterValue, float64(m.RetentionDeleted))
}
