// Package server 注册 HTTP 路由：会话读接口、/ws 长连接入口、健康检查与指标。
package server

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/kataras/iris/v12"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/gateway"
	"github.com/example/chatgateway/internal/middleware"
	"github.com/example/chatgateway/internal/service"
)

// identityKey 鉴权后写入 ctx.Values() 的身份
const identityKey = "identity"

// defaultKeepLast 清理接口默认保留条数
const defaultKeepLast = 100

// Deps 路由依赖，由进程入口构建
type Deps struct {
	Chat     *service.ChatService
	Gateway  *gateway.Gateway
	Verifier auth.Verifier
	Monitor  *service.Monitor
	Metrics  prometheus.Gatherer
	Limiter  *middleware.KeyedLimiter
	Logger   *zap.Logger
}

// RegisterRoutes 注册所有 HTTP 路由
func RegisterRoutes(app *iris.Application, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &handlers{chat: d.Chat, gw: d.Gateway, monitor: d.Monitor, log: d.Logger}

	// 健康检查
	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"code": 0, "msg": "ok"})
	})
	if d.Metrics != nil {
		app.Get("/metrics", iris.FromStd(promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{})))
	}
	// 长连接入口，凭证走 ?token=，鉴权在网关内完成
	if d.Gateway != nil {
		app.Get("/ws", iris.FromStd(d.Gateway))
	}

	authed := []iris.Handler{authMiddleware(d.Verifier)}
	if d.Limiter != nil {
		authed = append(authed, middleware.RateLimitMiddleware(d.Limiter))
	}

	api := app.Party("/chat", authed...)
	api.Get("/rooms", h.listRooms)
	api.Get("/rooms/{roomId:string}/messages", h.listMessages)
	api.Get("/rooms/{roomId:string}/unread", h.unreadCount)
	api.Post("/rooms/{roomId:string}/read", h.markRead)
	api.Get("/rooms/{roomId:string}/online", h.onlineUsers)
	api.Post("/direct", h.directRoom)
	api.Post("/calls/{callId:string}/room", h.callRoom)

	registerAdminRoutes(app, h, authed)
}

// authMiddleware 解析 Authorization: Bearer <token>
func authMiddleware(v auth.Verifier) iris.Handler {
	return func(ctx iris.Context) {
		token := strings.TrimSpace(ctx.GetHeader("Authorization"))
		token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
		if token == "" {
			ctx.StopWithJSON(iris.StatusUnauthorized, iris.Map{"code": iris.StatusUnauthorized, "msg": "missing token"})
			return
		}
		id, err := v.Verify(ctx.Request().Context(), token)
		if err != nil {
			ctx.StopWithJSON(iris.StatusUnauthorized, iris.Map{"code": iris.StatusUnauthorized, "msg": "invalid token"})
			return
		}
		ctx.Values().Set(identityKey, id)
		ctx.Values().Set(middleware.UserIDKey, id.UserID)
		ctx.Next()
	}
}

func identityOf(ctx iris.Context) *auth.Identity {
	id, _ := ctx.Values().Get(identityKey).(*auth.Identity)
	return id
}

type handlers struct {
	chat    *service.ChatService
	gw      *gateway.Gateway
	monitor *service.Monitor
	log     *zap.Logger
}

func ok(ctx iris.Context, data interface{}) {
	ctx.JSON(iris.Map{"code": 0, "msg": "ok", "data": data})
}

// fail 按错误类型映射状态码，内部错误只返回通用提示
func (h *handlers) fail(ctx iris.Context, err error) {
	status := iris.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, chat.ErrValidation):
		status, msg = iris.StatusBadRequest, err.Error()
	case errors.Is(err, auth.ErrAuthentication):
		status, msg = iris.StatusUnauthorized, err.Error()
	case errors.Is(err, chat.ErrForbidden):
		status, msg = iris.StatusForbidden, err.Error()
	case errors.Is(err, chat.ErrNotFound):
		status, msg = iris.StatusNotFound, err.Error()
	default:
		h.log.Error("request failed", zap.String("path", ctx.Path()), zap.Error(err))
	}
	ctx.StopWithJSON(status, iris.Map{"code": status, "msg": msg})
}

func (h *handlers) room(ctx iris.Context) (*chat.Room, bool) {
	room, err := h.chat.AuthorizeRoom(ctx.Request().Context(), ctx.Params().Get("roomId"), identityOf(ctx))
	if err != nil {
		h.fail(ctx, err)
		return nil, false
	}
	return room, true
}

func (h *handlers) listRooms(ctx iris.Context) {
	rooms, err := h.chat.GetUserRooms(ctx.Request().Context(), identityOf(ctx).UserID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{"rooms": rooms, "count": len(rooms)})
}

func (h *handlers) listMessages(ctx iris.Context) {
	room, found := h.room(ctx)
	if !found {
		return
	}
	limit, err := intParam(ctx, "limit", 0)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	before, err := intParam(ctx, "beforeSequenceId", 0)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	limit = h.chat.NormalizeLimit(limit)

	c := ctx.Request().Context()
	messages, err := h.chat.GetMessageHistory(c, room.ID, limit, int64(before))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	unread, err := h.chat.GetUnreadCount(c, room.ID, identityOf(ctx).UserID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{
		"messages":    messages,
		"count":       len(messages),
		"unreadCount": unread,
		"hasMore":     len(messages) == limit,
	})
}

func (h *handlers) unreadCount(ctx iris.Context) {
	room, found := h.room(ctx)
	if !found {
		return
	}
	unread, err := h.chat.GetUnreadCount(ctx.Request().Context(), room.ID, identityOf(ctx).UserID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{"roomId": room.ID, "unreadCount": unread})
}

func (h *handlers) markRead(ctx iris.Context) {
	room, found := h.room(ctx)
	if !found {
		return
	}
	var req struct {
		SequenceID int64 `json:"sequenceId"`
	}
	if err := ctx.ReadJSON(&req); err != nil || req.SequenceID <= 0 {
		ctx.StopWithJSON(iris.StatusBadRequest, iris.Map{"code": iris.StatusBadRequest, "msg": "sequenceId is required"})
		return
	}
	if _, err := h.chat.MarkMessagesAsRead(ctx.Request().Context(), room.ID, identityOf(ctx).UserID, req.SequenceID); err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{"success": true, "roomId": room.ID, "markedUpTo": req.SequenceID})
}

// onlineUsers 只统计本进程上的连接
func (h *handlers) onlineUsers(ctx iris.Context) {
	room, found := h.room(ctx)
	if !found {
		return
	}
	users := []string{}
	if h.gw != nil {
		users = h.gw.Registry().OnlineUsers(room.ID)
	}
	ok(ctx, iris.Map{"roomId": room.ID, "onlineUsers": users, "count": len(users)})
}

func (h *handlers) directRoom(ctx iris.Context) {
	var req struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := ctx.ReadJSON(&req); err != nil || req.TargetUserID == "" {
		ctx.StopWithJSON(iris.StatusBadRequest, iris.Map{"code": iris.StatusBadRequest, "msg": "targetUserId is required"})
		return
	}
	c := ctx.Request().Context()
	userID := identityOf(ctx).UserID
	room, err := h.chat.GetOrCreateDirectRoom(c, userID, req.TargetUserID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	h.roomWithHistory(ctx, c, room, userID)
}

func (h *handlers) callRoom(ctx iris.Context) {
	c := ctx.Request().Context()
	room, err := h.chat.GetOrCreateCallRoom(c, ctx.Params().Get("callId"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	h.roomWithHistory(ctx, c, room, identityOf(ctx).UserID)
}

func (h *handlers) roomWithHistory(ctx iris.Context, c context.Context, room *chat.Room, userID string) {
	messages, err := h.chat.GetMessageHistory(c, room.ID, 0, 0)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	unread, err := h.chat.GetUnreadCount(c, room.ID, userID)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	ok(ctx, iris.Map{"room": room, "messages": messages, "unreadCount": unread})
}

// intParam 读取可选的整数查询参数，缺省时返回 def
func intParam(ctx iris.Context, name string, def int) (int, error) {
	raw := ctx.URLParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &paramError{name: name}
	}
	return v, nil
}

type paramError struct{ name string }

func (e *paramError) Error() string { return "invalid " + e.name }

func (e *paramError) Unwrap() error { return chat.ErrValidation }
