// Package gateway 长连接网关：鉴权、协议解析、调用会话服务、经广播总线扇出。
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/broadcast"
	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/datamodels/user"
	"github.com/example/chatgateway/internal/service"
)

// maxFrameBytes 单个入站帧上限
const maxFrameBytes = 64 << 10

// ChatService 网关依赖的会话服务
type ChatService interface {
	AuthorizeRoom(ctx context.Context, roomID string, id *auth.Identity) (*chat.Room, error)
	GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (*chat.Room, error)
	GetOrCreateCallRoom(ctx context.Context, callID string) (*chat.Room, error)
	CreateMessage(ctx context.Context, roomID, senderID, content, msgType string, metadata json.RawMessage) (*chat.Message, error)
	GetMessageHistory(ctx context.Context, roomID string, limit int, beforeSeq int64) ([]*chat.Message, error)
	MarkMessagesAsRead(ctx context.Context, roomID, userID string, upToSeq int64) (int64, error)
	GetUnreadCount(ctx context.Context, roomID, userID string) (int64, error)
}

// Deps 网关的全部依赖，由进程入口显式构建并持有
type Deps struct {
	Service  ChatService
	Bus      broadcast.Bus
	Registry *Registry
	Verifier auth.Verifier
	Profiles user.Repository
	Monitor  *service.Monitor
	Config   config.GatewayConfig
	Logger   *zap.Logger
}

// Gateway 连接生命周期与协议处理
type Gateway struct {
	svc      ChatService
	bus      broadcast.Bus
	registry *Registry
	verifier auth.Verifier
	profiles user.Repository
	monitor  *service.Monitor
	cfg      config.GatewayConfig
	log      *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	baseCtx  context.Context
	liveness *LivenessMonitor
	wg       sync.WaitGroup
}

// New 创建网关
func New(d Deps) *Gateway {
	if d.Registry == nil {
		d.Registry = NewRegistry()
	}
	if d.Monitor == nil {
		d.Monitor = service.NewMonitor()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Config.HistoryOnJoin <= 0 {
		d.Config.HistoryOnJoin = 50
	}
	g := &Gateway{
		svc:      d.Service,
		bus:      d.Bus,
		registry: d.Registry,
		verifier: d.Verifier,
		profiles: d.Profiles,
		monitor:  d.Monitor,
		cfg:      d.Config,
		log:      d.Logger,
		baseCtx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.liveness = NewLivenessMonitor(g.registry, d.Config.HeartbeatInterval(), g.evict, g.log)
	g.monitor.SetLiveConnections(g.registry.Len)
	return g
}

// Registry 返回连接表
func (g *Gateway) Registry() *Registry { return g.registry }

// Liveness 返回心跳检测器
func (g *Gateway) Liveness() *LivenessMonitor { return g.liveness }

// Start 订阅广播总线并启动心跳检测，ctx 结束后两者都停止
func (g *Gateway) Start(ctx context.Context) error {
	g.baseCtx = ctx
	if err := g.bus.Subscribe(ctx, g.deliver); err != nil {
		return err
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.liveness.Run(ctx)
	}()
	return nil
}

// Shutdown 关闭全部连接（会发布离线事件），并等待心跳协程退出，调用前应先取消 Start 的 ctx
func (g *Gateway) Shutdown() {
	for _, c := range g.registry.All() {
		g.closeConn(c, websocket.CloseGoingAway, "server shutting down")
	}
	g.wg.Wait()
}

// ServeHTTP 升级为 websocket，凭证通过 ?token= 传入
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	t := newWSTransport(ws, g.cfg.WriteTimeout())

	token := r.URL.Query().Get("token")
	if token == "" {
		_ = t.Close(CloseAuthFailed, "Missing authentication token")
		return
	}
	id, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		g.log.Debug("websocket auth rejected", zap.Error(err))
		_ = t.Close(CloseAuthFailed, "Invalid authentication token")
		return
	}

	c := g.Attach(t, id)
	ws.SetReadLimit(maxFrameBytes)
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})
	defer g.closeConn(c, websocket.CloseNormalClosure, "")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.log.Debug("websocket read failed", zap.Uint64("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if !g.HandleFrame(c, data) {
			return
		}
	}
}

// Attach 登记一个已鉴权的连接并发送 connected 确认
func (g *Gateway) Attach(t Transport, id *auth.Identity) *Conn {
	username := id.UserID
	if g.profiles != nil {
		if u, err := g.profiles.GetByID(g.baseCtx, id.UserID); err == nil && u.Username != "" {
			username = u.Username
		}
	}

	var limiter *rate.Limiter
	if g.cfg.FramesPerSecond > 0 {
		burst := g.cfg.FrameBurst
		if burst <= 0 {
			burst = int(g.cfg.FramesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(g.cfg.FramesPerSecond), burst)
	}

	c := newConn(g.nextID.Add(1), *id, username, t, limiter)
	g.registry.Register(c)
	g.monitor.RecordConnectionOpened()
	g.log.Info("connection opened", zap.Uint64("conn_id", c.id), zap.String("user_id", c.UserID()))

	g.send(c, EventConnected, map[string]interface{}{
		"userId":    c.UserID(),
		"timestamp": nowMillis(),
	})
	return c
}

// deliver 总线回调：只向本进程订阅了该会话的连接推送，按 excludeUserId 过滤
func (g *Gateway) deliver(env broadcast.Envelope) {
	for _, c := range g.registry.LocalSubscribersOf(env.RoomID) {
		if env.ExcludeUserID != "" && c.UserID() == env.ExcludeUserID {
			continue
		}
		g.send(c, env.Event, env.Data)
	}
}

// closeConn 连接进入 Closed：注销、关闭传输层、对不再在线的会话发布离线事件，只执行一次
func (g *Gateway) closeConn(c *Conn, code int, reason string) {
	c.closeOnce.Do(func() {
		offline, ok := g.registry.Unregister(c)
		_ = c.transport.Close(code, reason)
		if !ok {
			return
		}
		g.monitor.RecordConnectionClosed()
		g.log.Info("connection closed", zap.Uint64("conn_id", c.id), zap.String("user_id", c.UserID()), zap.Int("code", code))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, roomID := range offline {
			g.publish(ctx, roomID, EventPresenceUpdate, presencePayload{
				UserID:    c.UserID(),
				Status:    "offline",
				Timestamp: nowMillis(),
			}, c.UserID())
		}
	})
}

// evict 心跳超时
func (g *Gateway) evict(c *Conn) {
	g.monitor.RecordEviction()
	g.log.Info("connection evicted by heartbeat", zap.Uint64("conn_id", c.id), zap.String("user_id", c.UserID()))
	g.closeConn(c, websocket.CloseGoingAway, "heartbeat timeout")
}

func (g *Gateway) publish(ctx context.Context, roomID, event string, data interface{}, excludeUserID string) bool {
	if err := g.bus.Publish(ctx, roomID, event, data, excludeUserID); err != nil {
		g.monitor.RecordBusError()
		g.log.Error("bus publish failed", zap.String("room_id", roomID), zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (g *Gateway) send(c *Conn, event string, payload interface{}) {
	if err := c.Send(event, payload); err != nil {
		g.log.Debug("write frame failed", zap.Uint64("conn_id", c.id), zap.String("event", event), zap.Error(err))
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
