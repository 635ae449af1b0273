package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/datamodels/chat"
)

// frameTimeout 单个入站事件的处理时限
const frameTimeout = 15 * time.Second

// HandleFrame 处理一个入站帧，返回 false 表示应关闭连接
func (g *Gateway) HandleFrame(c *Conn, data []byte) bool {
	g.monitor.RecordFrame()

	if c.limiter != nil && !c.limiter.Allow() {
		g.sendError(c, "Rate limit exceeded")
		return true
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		g.monitor.RecordProtocolError()
		c.decodeErrors++
		if g.cfg.MaxDecodeErrors > 0 && c.decodeErrors >= g.cfg.MaxDecodeErrors {
			g.closeConn(c, websocket.ClosePolicyViolation, "too many malformed frames")
			return false
		}
		g.sendError(c, "Invalid message format")
		return true
	}
	c.decodeErrors = 0

	// 不继承进程级 ctx：连接被踢掉时已开始的写入仍然完成
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	var err error
	switch f.Type {
	case EventJoinRoom:
		err = g.handleJoinRoom(ctx, c, f.Payload)
	case EventLeaveRoom:
		err = g.handleLeaveRoom(ctx, c, f.Payload)
	case EventSendMessage:
		err = g.handleSendMessage(ctx, c, f.Payload)
	case EventTyping:
		err = g.handleTyping(ctx, c, f.Payload)
	case EventMarkRead:
		err = g.handleMarkRead(ctx, c, f.Payload)
	case EventPing:
		g.send(c, EventPong, map[string]int64{"timestamp": nowMillis()})
	default:
		g.monitor.RecordProtocolError()
		err = fmt.Errorf("%w: unknown event type %s", chat.ErrProtocol, f.Type)
	}
	if err != nil {
		g.sendError(c, g.clientMessage(c, f.Type, err))
	}
	return true
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload is required", chat.ErrValidation)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload", chat.ErrProtocol)
	}
	return nil
}

// requireJoined 针对会话的操作必须先 joinRoom
func (g *Gateway) requireJoined(c *Conn, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}
	if !g.registry.IsSubscribed(c, roomID) {
		return fmt.Errorf("%w: join room %s first", chat.ErrValidation, roomID)
	}
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var p joinRoomPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}

	var (
		room *chat.Room
		err  error
	)
	identity := c.Identity()
	switch {
	case p.RoomID != "":
		room, err = g.svc.AuthorizeRoom(ctx, p.RoomID, &identity)
	case p.TargetUserID != "":
		room, err = g.svc.GetOrCreateDirectRoom(ctx, c.UserID(), p.TargetUserID)
	case p.CallID != "":
		room, err = g.svc.GetOrCreateCallRoom(ctx, p.CallID)
	default:
		err = fmt.Errorf("%w: roomId or targetUserId is required", chat.ErrValidation)
	}
	if err != nil {
		return err
	}

	// 先订阅再取历史，两者之间的新消息经总线送达；取历史失败时撤销本次订阅
	rejoin := g.registry.IsSubscribed(c, room.ID)
	g.registry.Subscribe(c, room.ID)
	undo := func(err error) error {
		if !rejoin {
			g.registry.Unsubscribe(c, room.ID)
		}
		return err
	}

	messages, err := g.svc.GetMessageHistory(ctx, room.ID, g.cfg.HistoryOnJoin, 0)
	if err != nil {
		return undo(err)
	}
	unread, err := g.svc.GetUnreadCount(ctx, room.ID, c.UserID())
	if err != nil {
		return undo(err)
	}

	g.send(c, EventRoomJoined, map[string]interface{}{
		"room":        room,
		"messages":    messages,
		"unreadCount": unread,
	})
	g.publish(ctx, room.ID, EventPresenceUpdate, presencePayload{
		UserID:    c.UserID(),
		Status:    "online",
		Timestamp: nowMillis(),
	}, c.UserID())
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var p roomPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if err := g.requireJoined(c, p.RoomID); err != nil {
		return err
	}

	userLeft := g.registry.Unsubscribe(c, p.RoomID)
	g.send(c, EventRoomLeft, roomPayload{RoomID: p.RoomID})
	// 同一用户还有其它设备留在会话时不算离线
	if userLeft {
		g.publish(ctx, p.RoomID, EventPresenceUpdate, presencePayload{
			UserID:    c.UserID(),
			Status:    "offline",
			Timestamp: nowMillis(),
		}, c.UserID())
	}
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var p sendMessagePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if err := g.requireJoined(c, p.RoomID); err != nil {
		return err
	}

	m, err := g.svc.CreateMessage(ctx, p.RoomID, c.UserID(), p.Content, p.Type, p.Metadata)
	if err != nil {
		return err
	}
	// 发送者自己也经由总线收到，界面以总线顺序为准
	if !g.publish(ctx, p.RoomID, EventMessage, m, "") {
		return errBroadcast
	}
	return nil
}

func (g *Gateway) handleTyping(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var p typingPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if err := g.requireJoined(c, p.RoomID); err != nil {
		return err
	}
	g.publish(ctx, p.RoomID, EventTyping, typingEvent{
		UserID:   c.UserID(),
		Username: c.username,
		IsTyping: p.IsTyping,
	}, c.UserID())
	return nil
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *Conn, raw json.RawMessage) error {
	var p markReadPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if err := g.requireJoined(c, p.RoomID); err != nil {
		return err
	}
	marked, err := g.svc.MarkMessagesAsRead(ctx, p.RoomID, c.UserID(), p.SequenceID)
	if err != nil {
		return err
	}
	g.send(c, EventMarkedRead, map[string]interface{}{
		"roomId":     p.RoomID,
		"sequenceId": p.SequenceID,
		"marked":     marked,
	})
	return nil
}

// errBroadcast 消息已落库但广播失败
var errBroadcast = errors.New("message saved but broadcast failed")

// clientMessage 校验类错误原样返回，存储等内部错误只给通用提示
func (g *Gateway) clientMessage(c *Conn, event string, err error) string {
	switch {
	case errors.Is(err, chat.ErrValidation),
		errors.Is(err, chat.ErrNotFound),
		errors.Is(err, chat.ErrForbidden),
		errors.Is(err, chat.ErrProtocol),
		errors.Is(err, errBroadcast):
		return err.Error()
	default:
		g.log.Error("event failed", zap.Uint64("conn_id", c.id), zap.String("event", event), zap.Error(err))
		return fmt.Sprintf("Failed to process %s", event)
	}
}

func (g *Gateway) sendError(c *Conn, msg string) {
	g.send(c, EventError, errorPayload{Message: msg})
}
