package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/httptest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/broadcast"
	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/gateway"
	"github.com/example/chatgateway/internal/middleware"
	"github.com/example/chatgateway/internal/repository/mysql"
	"github.com/example/chatgateway/internal/service"
)

type nopTransport struct{}

func (nopTransport) WriteJSON(interface{}) error { return nil }
func (nopTransport) Ping() error                 { return nil }
func (nopTransport) Close(int, string) error     { return nil }

type testServer struct {
	e      *httptest.Expect
	svc    *service.ChatService
	gw     *gateway.Gateway
	jwtCfg *config.JWTConfig
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := mysql.Open(&config.MySQLConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mysql.Close(db) })

	cfg := config.DefaultConfig()
	cfg.JWT.Secret = "router-test"
	monitor := service.NewMonitor()
	svc := service.NewChatService(mysql.NewRoomRepository(db), mysql.NewMessageRepository(db),
		mysql.NewUserRepository(db), cfg.Gateway, monitor, zap.NewNop())
	verifier := auth.NewJWTVerifier(&cfg.JWT, nil, zap.NewNop())
	gw := gateway.New(gateway.Deps{
		Service:  svc,
		Bus:      broadcast.NewHub().Bus(),
		Verifier: verifier,
		Monitor:  monitor,
		Config:   cfg.Gateway,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(monitor)

	app := iris.New()
	RegisterRoutes(app, Deps{
		Chat:     svc,
		Gateway:  gw,
		Verifier: verifier,
		Monitor:  monitor,
		Metrics:  reg,
		Limiter:  middleware.NewKeyedLimiter(1000, 1000),
		Logger:   zap.NewNop(),
	})
	return &testServer{e: httptest.New(t, app), svc: svc, gw: gw, jwtCfg: &cfg.JWT}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(s.jwtCfg, auth.Identity{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

// data 取出 {code, msg, data} 中的 data
func data(t *testing.T, body map[string]interface{}) map[string]interface{} {
	t.Helper()
	assert.EqualValues(t, 0, body["code"])
	d, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "data is %T", body["data"])
	return d
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	s.e.GET("/health").Expect().Status(iris.StatusOK).JSON().Object().Value("msg").String().Equal("ok")
	s.e.GET("/metrics").Expect().Status(iris.StatusOK).Body().Contains("chat_connections_live")
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)
	s.e.GET("/chat/rooms").Expect().Status(iris.StatusUnauthorized)
	s.e.GET("/chat/rooms").WithHeader("Authorization", "Bearer nope").Expect().Status(iris.StatusUnauthorized)

	body := s.e.GET("/chat/rooms").WithHeader("Authorization", s.token(t, "alice", "USER")).
		Expect().Status(iris.StatusOK).JSON().Object().Raw()
	assert.EqualValues(t, 0, data(t, body)["count"])
}

func TestDirectRoomAndHistory(t *testing.T) {
	s := newTestServer(t)
	alice := s.token(t, "alice", "USER")
	bob := s.token(t, "bob", "USER")

	s.e.POST("/chat/direct").WithHeader("Authorization", alice).WithJSON(iris.Map{}).
		Expect().Status(iris.StatusBadRequest)
	s.e.POST("/chat/direct").WithHeader("Authorization", alice).WithJSON(iris.Map{"targetUserId": "alice"}).
		Expect().Status(iris.StatusBadRequest)

	body := s.e.POST("/chat/direct").WithHeader("Authorization", alice).WithJSON(iris.Map{"targetUserId": "bob"}).
		Expect().Status(iris.StatusOK).JSON().Object().Raw()
	room := data(t, body)["room"].(map[string]interface{})
	roomID := room["id"].(string)
	assert.Equal(t, "DIRECT", room["type"])

	again := s.e.POST("/chat/direct").WithHeader("Authorization", bob).WithJSON(iris.Map{"targetUserId": "alice"}).
		Expect().Status(iris.StatusOK).JSON().Object().Raw()
	assert.Equal(t, roomID, data(t, again)["room"].(map[string]interface{})["id"])

	for _, text := range []string{"one", "two", "three"} {
		_, err := s.svc.CreateMessage(context.Background(), roomID, "alice", text, "", nil)
		require.NoError(t, err)
	}

	page := data(t, s.e.GET("/chat/rooms/{id}/messages", roomID).WithQuery("limit", 2).
		WithHeader("Authorization", bob).Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.EqualValues(t, 2, page["count"])
	assert.Equal(t, true, page["hasMore"])
	assert.EqualValues(t, 3, page["unreadCount"])
	msgs := page["messages"].([]interface{})
	assert.Equal(t, "two", msgs[0].(map[string]interface{})["content"])
	assert.Equal(t, "three", msgs[1].(map[string]interface{})["content"])

	older := data(t, s.e.GET("/chat/rooms/{id}/messages", roomID).WithQuery("limit", 2).WithQuery("beforeSequenceId", 2).
		WithHeader("Authorization", bob).Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.EqualValues(t, 1, older["count"])
	assert.Equal(t, false, older["hasMore"])

	s.e.GET("/chat/rooms/{id}/messages", roomID).WithQuery("limit", "x").
		WithHeader("Authorization", bob).Expect().Status(iris.StatusBadRequest)
}

func TestReadAndUnread(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	room, err := s.svc.GetOrCreateDirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	for _, text := range []string{"a", "b", "c"} {
		_, err := s.svc.CreateMessage(ctx, room.ID, "alice", text, "", nil)
		require.NoError(t, err)
	}
	bob := s.token(t, "bob", "USER")

	s.e.POST("/chat/rooms/{id}/read", room.ID).WithHeader("Authorization", bob).WithJSON(iris.Map{}).
		Expect().Status(iris.StatusBadRequest)

	marked := data(t, s.e.POST("/chat/rooms/{id}/read", room.ID).WithHeader("Authorization", bob).
		WithJSON(iris.Map{"sequenceId": 2}).Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.Equal(t, true, marked["success"])
	assert.EqualValues(t, 2, marked["markedUpTo"])

	unread := data(t, s.e.GET("/chat/rooms/{id}/unread", room.ID).WithHeader("Authorization", bob).
		Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.EqualValues(t, 1, unread["unreadCount"])
	assert.Equal(t, room.ID, unread["roomId"])
}

func TestRoomAccessErrors(t *testing.T) {
	s := newTestServer(t)
	room, err := s.svc.GetOrCreateDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)

	mallory := s.token(t, "mallory", "USER")
	s.e.GET("/chat/rooms/{id}/messages", room.ID).WithHeader("Authorization", mallory).
		Expect().Status(iris.StatusForbidden)
	s.e.GET("/chat/rooms/{id}/unread", "missing").WithHeader("Authorization", mallory).
		Expect().Status(iris.StatusNotFound)

	admin := s.token(t, "root", auth.RoleAdmin)
	s.e.GET("/chat/rooms/{id}/messages", room.ID).WithHeader("Authorization", admin).
		Expect().Status(iris.StatusOK)
}

func TestOnlineUsers(t *testing.T) {
	s := newTestServer(t)
	room, err := s.svc.GetOrCreateCallRoom(context.Background(), "call-1")
	require.NoError(t, err)

	for _, uid := range []string{"bob", "alice", "bob"} {
		c := s.gw.Attach(nopTransport{}, &auth.Identity{UserID: uid})
		require.True(t, s.gw.Registry().Subscribe(c, room.ID))
	}

	body := data(t, s.e.GET("/chat/rooms/{id}/online", room.ID).WithHeader("Authorization", s.token(t, "carol", "USER")).
		Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.Equal(t, []interface{}{"alice", "bob"}, body["onlineUsers"])
	assert.EqualValues(t, 2, body["count"])
}

func TestCallRoom(t *testing.T) {
	s := newTestServer(t)
	tok := s.token(t, "alice", "USER")

	first := data(t, s.e.POST("/chat/calls/{id}/room", "call-9").WithHeader("Authorization", tok).
		Expect().Status(iris.StatusOK).JSON().Object().Raw())
	second := data(t, s.e.POST("/chat/calls/{id}/room", "call-9").WithHeader("Authorization", tok).
		Expect().Status(iris.StatusOK).JSON().Object().Raw())
	r1 := first["room"].(map[string]interface{})
	assert.Equal(t, "CALL", r1["type"])
	assert.Equal(t, r1["id"], second["room"].(map[string]interface{})["id"])
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	room, err := s.svc.GetOrCreateDirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.svc.CreateMessage(ctx, room.ID, "alice", fmt.Sprintf("m%d", i), "", nil)
		require.NoError(t, err)
	}

	user := s.token(t, "alice", "USER")
	admin := s.token(t, "root", auth.RoleAdmin)

	s.e.DELETE("/chat/rooms/{id}/cleanup", room.ID).Expect().Status(iris.StatusUnauthorized)
	s.e.DELETE("/chat/rooms/{id}/cleanup", room.ID).WithHeader("Authorization", user).Expect().Status(iris.StatusForbidden)
	s.e.GET("/admin/stats").WithHeader("Authorization", user).Expect().Status(iris.StatusForbidden)

	s.e.DELETE("/chat/rooms/{id}/cleanup", room.ID).WithQuery("keepLast", -1).WithHeader("Authorization", admin).
		Expect().Status(iris.StatusBadRequest)
	s.e.DELETE("/chat/rooms/{id}/cleanup", "missing").WithHeader("Authorization", admin).
		Expect().Status(iris.StatusNotFound)

	res := data(t, s.e.DELETE("/chat/rooms/{id}/cleanup", room.ID).WithQuery("keepLast", 1).
		WithHeader("Authorization", admin).Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.EqualValues(t, 2, res["deleted"])
	assert.EqualValues(t, 1, res["keepLast"])

	defaults := data(t, s.e.DELETE("/chat/rooms/{id}/cleanup", room.ID).
		WithHeader("Authorization", admin).Expect().Status(iris.StatusOK).JSON().Object().Raw())
	assert.EqualValues(t, 100, defaults["keepLast"])
	assert.EqualValues(t, 0, defaults["deleted"])

	s.e.GET("/admin/stats").WithHeader("Authorization", admin).Expect().Status(iris.StatusOK).
		JSON().Object().Value("code").Number().Equal(0)
}
