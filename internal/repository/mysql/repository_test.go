package mysql

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/datamodels/user"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(&config.MySQLConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func strPtr(s string) *string { return &s }

func newDirectRoom(t *testing.T, repo chat.RoomRepository, a, b string) *chat.Room {
	t.Helper()
	room := &chat.Room{Type: chat.RoomDirect, User1ID: strPtr(a), User2ID: strPtr(b)}
	created, err := repo.CreateIfAbsent(context.Background(), room)
	require.NoError(t, err)
	require.True(t, created)
	return room
}

func sendN(t *testing.T, repo chat.MessageRepository, roomID, sender string, n int) []*chat.Message {
	t.Helper()
	out := make([]*chat.Message, 0, n)
	for i := 0; i < n; i++ {
		m := &chat.Message{RoomID: roomID, SenderID: sender, Content: fmt.Sprintf("msg-%d", i+1)}
		require.NoError(t, repo.Create(context.Background(), m, m.Content))
		out = append(out, m)
	}
	return out
}

func TestRoomCreateIfAbsentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rooms := NewRoomRepository(setupTestDB(t))

	first := newDirectRoom(t, rooms, "alice", "bob")

	dup := &chat.Room{Type: chat.RoomDirect, User1ID: strPtr("alice"), User2ID: strPtr("bob")}
	created, err := rooms.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := rooms.FindDirect(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = rooms.FindDirect(ctx, "bob", "carol")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestRoomCallUniqueness(t *testing.T) {
	ctx := context.Background()
	rooms := NewRoomRepository(setupTestDB(t))

	created, err := rooms.CreateIfAbsent(ctx, &chat.Room{Type: chat.RoomCall, CallID: strPtr("call-1")})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = rooms.CreateIfAbsent(ctx, &chat.Room{Type: chat.RoomCall, CallID: strPtr("call-1")})
	require.NoError(t, err)
	assert.False(t, created)

	ids, err := rooms.ListIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestMessageSequenceAndRoomPreview(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rooms := NewRoomRepository(db)
	msgs := NewMessageRepository(db)

	room := newDirectRoom(t, rooms, "alice", "bob")
	sent := sendN(t, msgs, room.ID, "alice", 3)

	for i, m := range sent {
		assert.Equal(t, int64(i+1), m.SequenceID)
		assert.Equal(t, []string{"alice"}, m.ReadBy)
		assert.Equal(t, chat.DefaultMessageType, m.Type)
	}

	got, err := rooms.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.LastSequenceID)
	require.NotNil(t, got.LastMessageText)
	assert.Equal(t, "msg-3", *got.LastMessageText)
	assert.NotNil(t, got.LastMessageAt)
}

func TestMessageCreateUnknownRoom(t *testing.T) {
	msgs := NewMessageRepository(setupTestDB(t))
	err := msgs.Create(context.Background(), &chat.Message{RoomID: "missing", SenderID: "alice", Content: "hi"}, "hi")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestMessageSequenceConcurrentWriters(t *testing.T) {
	db := setupTestDB(t)
	rooms := NewRoomRepository(db)
	msgs := NewMessageRepository(db)
	room := newDirectRoom(t, rooms, "alice", "bob")

	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				m := &chat.Message{RoomID: room.ID, SenderID: fmt.Sprintf("user-%d", w), Content: "x"}
				errs <- msgs.Create(context.Background(), m, "x")
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := msgs.ListBefore(context.Background(), room.ID, 0, writers*perWriter+10)
	require.NoError(t, err)
	require.Len(t, list, writers*perWriter)
	// 倒序返回，序号应为 N..1 且无空洞
	for i, m := range list {
		assert.Equal(t, int64(writers*perWriter-i), m.SequenceID)
	}
}

func TestListBeforePaginates(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	room := newDirectRoom(t, NewRoomRepository(db), "alice", "bob")
	msgs := NewMessageRepository(db)
	sendN(t, msgs, room.ID, "alice", 5)

	page, err := msgs.ListBefore(ctx, room.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].SequenceID)
	assert.Equal(t, int64(4), page[1].SequenceID)

	page, err = msgs.ListBefore(ctx, room.ID, 4, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].SequenceID)
	assert.Equal(t, int64(2), page[1].SequenceID)

	latest, err := msgs.Latest(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.SequenceID)

	empty := newDirectRoom(t, NewRoomRepository(db), "carol", "dave")
	latest, err = msgs.Latest(ctx, empty.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestMarkReadAndCountUnread(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	room := newDirectRoom(t, NewRoomRepository(db), "alice", "bob")
	msgs := NewMessageRepository(db)
	sendN(t, msgs, room.ID, "alice", 3)
	sendN(t, msgs, room.ID, "bob", 1)

	n, err := msgs.CountUnread(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	marked, err := msgs.MarkRead(ctx, room.ID, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	marked, err = msgs.MarkRead(ctx, room.ID, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	n, err = msgs.CountUnread(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// alice 自己发的消息不计入未读
	n, err = msgs.CountUnread(ctx, room.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err := msgs.ListBefore(ctx, room.ID, 0, 10)
	require.NoError(t, err)
	for _, m := range list {
		if m.SequenceID <= 2 {
			assert.ElementsMatch(t, []string{"alice", "bob"}, m.ReadBy)
		}
	}
}

func TestDeleteAllButLast(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	room := newDirectRoom(t, NewRoomRepository(db), "alice", "bob")
	msgs := NewMessageRepository(db)
	sendN(t, msgs, room.ID, "alice", 5)

	deleted, err := msgs.DeleteAllButLast(ctx, room.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	list, err := msgs.ListBefore(ctx, room.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(5), list[0].SequenceID)
	assert.Equal(t, int64(4), list[1].SequenceID)

	var reads int64
	require.NoError(t, db.Model(&chat.MessageRead{}).Count(&reads).Error)
	assert.Equal(t, int64(2), reads)

	deleted, err = msgs.DeleteAllButLast(ctx, room.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)

	_, err = msgs.DeleteAllButLast(ctx, room.ID, -1)
	assert.ErrorIs(t, err, chat.ErrValidation)

	// 清理后新消息继续沿用计数器
	next := sendN(t, msgs, room.ID, "bob", 1)
	assert.Equal(t, int64(6), next[0].SequenceID)
}

func TestUserSaveAndList(t *testing.T) {
	ctx := context.Background()
	users := NewUserRepository(setupTestDB(t))

	require.NoError(t, users.Save(ctx, &user.User{ID: "u1", Username: "alice"}))
	require.NoError(t, users.Save(ctx, &user.User{ID: "u1", Username: "alice", DisplayName: "Alice"}))
	require.NoError(t, users.Save(ctx, &user.User{ID: "u2", Username: "bob"}))

	u, err := users.GetByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)

	list, err := users.ListByIDs(ctx, []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = users.GetByID(ctx, "nobody")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestGormLoggerSkipsRecordNotFound(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := newGormLogger(zap.New(core))
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT * FROM rooms", 0 }

	gl.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len())

	gl.Trace(ctx, time.Now(), query, errors.New("connection reset"))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zap.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, "connection reset")
}

func TestMessageCreateGivesUpOnPersistentCollision(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	rooms := NewRoomRepository(db)
	messages := NewMessageRepository(db)
	room := newDirectRoom(t, rooms, "alice", "bob")
	sendN(t, messages, room.ID, "alice", 2)

	// 另一写入方已占用下一个序号，但没有推进会话计数器
	require.NoError(t, db.Create(&chat.Message{
		ID: uuid.NewString(), RoomID: room.ID, SenderID: "bob", Content: "ghost", SequenceID: 3,
	}).Error)

	var attempts int
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:count_messages", func(tx *gorm.DB) {
		if tx.Statement.Table == "messages" {
			attempts++
		}
	}))

	m := &chat.Message{RoomID: room.ID, SenderID: "alice", Content: "late"}
	err := messages.Create(ctx, m, m.Content)
	require.Error(t, err)
	assert.ErrorIs(t, err, chat.ErrConflict)
	assert.Equal(t, createAttempts, attempts)

	got, err := rooms.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LastSequenceID)
	assert.Equal(t, "msg-2", *got.LastMessageText)

	var stored int64
	require.NoError(t, db.Model(&chat.Message{}).Where("room_id = ?", room.ID).Count(&stored).Error)
	assert.Equal(t, int64(3), stored)
}
