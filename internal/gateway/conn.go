package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/example/chatgateway/internal/auth"
)

// Transport 底层双工连接
type Transport interface {
	WriteJSON(v interface{}) error
	// Ping 发送传输层 ping 控制帧
	Ping() error
	Close(code int, reason string) error
}

// Conn 一个已鉴权的客户端连接
type Conn struct {
	id        uint64
	identity  auth.Identity
	username  string
	transport Transport
	limiter   *rate.Limiter

	alive        atomic.Bool
	decodeErrors int
	closeOnce    sync.Once

	// rooms 由 Registry 在其锁内维护
	rooms map[string]struct{}
}

func newConn(id uint64, identity auth.Identity, username string, t Transport, limiter *rate.Limiter) *Conn {
	c := &Conn{
		id:        id,
		identity:  identity,
		username:  username,
		transport: t,
		limiter:   limiter,
		rooms:     make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) UserID() string { return c.identity.UserID }

func (c *Conn) Identity() auth.Identity { return c.identity }

// MarkAlive 收到 pong 时调用
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// Send 写出一个信封
func (c *Conn) Send(eventType string, payload interface{}) error {
	return c.transport.WriteJSON(OutFrame{Type: eventType, Payload: payload})
}

// wsTransport gorilla websocket 适配，写操作串行化
type wsTransport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) WriteJSON(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close(code int, reason string) error {
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return t.conn.Close()
}
