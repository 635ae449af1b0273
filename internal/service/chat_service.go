package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/example/chatgateway/internal/auth"
	"github.com/example/chatgateway/internal/config"
	"github.com/example/chatgateway/internal/datamodels/chat"
	"github.com/example/chatgateway/internal/datamodels/user"
)

// maxHistoryLimit 单次拉取历史消息上限
const maxHistoryLimit = 200

// RoomSummary 会话列表项：会话本身 + 最后一条消息 + 当前用户未读数
type RoomSummary struct {
	*chat.Room
	LastMessage  *chat.Message `json:"lastMessage"`
	UnreadCount  int64         `json:"unreadCount"`
	Participants []*user.User  `json:"participants,omitempty"`
}

// ChatService 会话与消息服务：建房、有序落库、已读、清理
type ChatService struct {
	rooms    chat.RoomRepository
	messages chat.MessageRepository
	users    user.Repository
	cfg      config.GatewayConfig
	monitor  *Monitor
	log      *zap.Logger
	locks    *roomLocks
}

// NewChatService 创建聊天服务，users 可为空（此时发送者只带 id）
func NewChatService(rooms chat.RoomRepository, messages chat.MessageRepository, users user.Repository,
	cfg config.GatewayConfig, monitor *Monitor, log *zap.Logger) *ChatService {
	if monitor == nil {
		monitor = NewMonitor()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PreviewRunes <= 0 {
		cfg.PreviewRunes = 100
	}
	if cfg.DefaultHistoryLimit <= 0 {
		cfg.DefaultHistoryLimit = 100
	}
	return &ChatService{
		rooms:    rooms,
		messages: messages,
		users:    users,
		cfg:      cfg,
		monitor:  monitor,
		log:      log,
		locks:    newRoomLocks(),
	}
}

// NormalizeLimit 把调用方给的条数收敛到 [1, maxHistoryLimit]，非正数取默认值
func (s *ChatService) NormalizeLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// GetRoom 查询会话
func (s *ChatService) GetRoom(ctx context.Context, roomID string) (*chat.Room, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}
	room, err := s.rooms.GetByID(ctx, roomID)
	return room, s.observe(err)
}

// AuthorizeRoom 查询会话并校验访问权限：DIRECT 会话只对双方开放，管理员不受限
func (s *ChatService) AuthorizeRoom(ctx context.Context, roomID string, id *auth.Identity) (*chat.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Type == chat.RoomDirect && !room.HasParticipant(id.UserID) && !id.IsAdmin() {
		return nil, fmt.Errorf("%w: not a participant of room %s", chat.ErrForbidden, roomID)
	}
	return room, nil
}

// GetOrCreateDirectRoom 按排序后的用户对查找或创建单聊会话，并发创建时以先写入者为准
func (s *ChatService) GetOrCreateDirectRoom(ctx context.Context, userA, userB string) (*chat.Room, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both participants are required", chat.ErrValidation)
	}
	if userA == userB {
		return nil, fmt.Errorf("%w: cannot create room with yourself", chat.ErrValidation)
	}
	pair := []string{userA, userB}
	sort.Strings(pair)

	room, err := s.rooms.FindDirect(ctx, pair[0], pair[1])
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, s.observe(err)
	}

	created, err := s.rooms.CreateIfAbsent(ctx, &chat.Room{
		Type:    chat.RoomDirect,
		User1ID: &pair[0],
		User2ID: &pair[1],
	})
	if err != nil {
		return nil, s.observe(err)
	}
	if !created {
		s.log.Debug("direct room race resolved by re-fetch", zap.String("user1_id", pair[0]), zap.String("user2_id", pair[1]))
	}
	room, err = s.rooms.FindDirect(ctx, pair[0], pair[1])
	return room, s.observe(err)
}

// GetOrCreateCallRoom 每个通话最多一个会话
func (s *ChatService) GetOrCreateCallRoom(ctx context.Context, callID string) (*chat.Room, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: callId is required", chat.ErrValidation)
	}
	room, err := s.rooms.FindByCall(ctx, callID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, s.observe(err)
	}
	if _, err := s.rooms.CreateIfAbsent(ctx, &chat.Room{Type: chat.RoomCall, CallID: &callID}); err != nil {
		return nil, s.observe(err)
	}
	room, err = s.rooms.FindByCall(ctx, callID)
	return room, s.observe(err)
}

// CreateMessage 校验内容后分配序号落库，返回带发送者资料的消息
func (s *ChatService) CreateMessage(ctx context.Context, roomID, senderID, content, msgType string, metadata json.RawMessage) (*chat.Message, error) {
	if roomID == "" || senderID == "" {
		return nil, fmt.Errorf("%w: roomId and senderId are required", chat.ErrValidation)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is empty", chat.ErrValidation)
	}
	if s.cfg.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.cfg.MaxContentRunes {
		return nil, fmt.Errorf("%w: content exceeds %d characters", chat.ErrValidation, s.cfg.MaxContentRunes)
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		var obj map[string]interface{}
		if err := json.Unmarshal(metadata, &obj); err != nil {
			return nil, fmt.Errorf("%w: metadata must be a JSON object", chat.ErrValidation)
		}
	} else {
		metadata = nil
	}
	if msgType == "" {
		msgType = chat.DefaultMessageType
	}

	m := &chat.Message{
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
		Type:     msgType,
		Metadata: metadata,
	}

	unlock := s.locks.lock(roomID)
	err := s.messages.Create(ctx, m, truncateRunes(content, s.cfg.PreviewRunes))
	unlock()
	if err != nil {
		return nil, s.observe(err)
	}

	s.monitor.RecordMessage()
	s.attachSenders(ctx, []*chat.Message{m})
	return m, nil
}

// GetMessageHistory 返回 beforeSeq 之前最多 limit 条消息，按序号升序
func (s *ChatService) GetMessageHistory(ctx context.Context, roomID string, limit int, beforeSeq int64) ([]*chat.Message, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", chat.ErrValidation)
	}
	if beforeSeq < 0 {
		return nil, fmt.Errorf("%w: beforeSequenceId must be positive", chat.ErrValidation)
	}
	list, err := s.messages.ListBefore(ctx, roomID, beforeSeq, s.NormalizeLimit(limit))
	if err != nil {
		return nil, s.observe(err)
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	s.attachSenders(ctx, list)
	return list, nil
}

// MarkMessagesAsRead 把 upToSeq 及之前的消息标记为 userID 已读，重复调用无副作用
func (s *ChatService) MarkMessagesAsRead(ctx context.Context, roomID, userID string, upToSeq int64) (int64, error) {
	if upToSeq <= 0 {
		return 0, fmt.Errorf("%w: sequenceId must be positive", chat.ErrValidation)
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := s.messages.MarkRead(ctx, roomID, userID, upToSeq)
	return n, s.observe(err)
}

// GetUnreadCount 统计他人发送且 userID 未读的消息数
func (s *ChatService) GetUnreadCount(ctx context.Context, roomID, userID string) (int64, error) {
	n, err := s.messages.CountUnread(ctx, roomID, userID)
	return n, s.observe(err)
}

// GetUserRooms 用户参与的全部会话，按最后消息时间倒序
func (s *ChatService) GetUserRooms(ctx context.Context, userID string) ([]*RoomSummary, error) {
	rooms, err := s.rooms.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.observe(err)
	}

	profiles := s.profiles(ctx, participantIDs(rooms))
	out := make([]*RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		last, err := s.messages.Latest(ctx, room.ID)
		if err != nil {
			return nil, s.observe(err)
		}
		unread, err := s.messages.CountUnread(ctx, room.ID, userID)
		if err != nil {
			return nil, s.observe(err)
		}
		if last != nil {
			last.Sender = profileOrStub(profiles, last.SenderID)
		}
		sum := &RoomSummary{Room: room, LastMessage: last, UnreadCount: unread}
		for _, pid := range []*string{room.User1ID, room.User2ID} {
			if pid != nil {
				sum.Participants = append(sum.Participants, profileOrStub(profiles, *pid))
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// CleanupOldMessages 只保留序号最大的 keepLast 条，返回删除条数
func (s *ChatService) CleanupOldMessages(ctx context.Context, roomID string, keepLast int) (int64, error) {
	if keepLast < 0 {
		return 0, fmt.Errorf("%w: keepLast must not be negative", chat.ErrValidation)
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return 0, err
	}
	n, err := s.messages.DeleteAllButLast(ctx, roomID, keepLast)
	if err != nil {
		return 0, s.observe(err)
	}
	s.monitor.RecordRetention(n)
	if n > 0 {
		s.log.Info("old messages cleaned", zap.String("room_id", roomID), zap.Int64("deleted", n), zap.Int("keep_last", keepLast))
	}
	return n, nil
}

// ListRoomIDs 全部会话 id，供定时清理使用
func (s *ChatService) ListRoomIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rooms.ListIDs(ctx)
	return ids, s.observe(err)
}

// observe 记录存储不可用错误，原样返回
func (s *ChatService) observe(err error) error {
	if err != nil && errors.Is(err, chat.ErrStoreUnavailable) {
		s.monitor.RecordDBError()
		s.log.Error("store failure", zap.Error(err))
	}
	return err
}

func (s *ChatService) attachSenders(ctx context.Context, list []*chat.Message) {
	if len(list) == 0 {
		return
	}
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.SenderID)
	}
	profiles := s.profiles(ctx, ids)
	for _, m := range list {
		m.Sender = profileOrStub(profiles, m.SenderID)
	}
}

// profiles 批量加载展示资料，失败时降级为只带 id
func (s *ChatService) profiles(ctx context.Context, ids []string) map[string]*user.User {
	out := make(map[string]*user.User)
	if s.users == nil || len(ids) == 0 {
		return out
	}
	list, err := s.users.ListByIDs(ctx, dedupe(ids))
	if err != nil {
		s.log.Warn("load sender profiles failed", zap.Error(err))
		return out
	}
	for _, u := range list {
		out[u.ID] = u
	}
	return out
}

func profileOrStub(profiles map[string]*user.User, id string) *user.User {
	if u, ok := profiles[id]; ok {
		return u
	}
	return &user.User{ID: id}
}

func participantIDs(rooms []*chat.Room) []string {
	var ids []string
	for _, r := range rooms {
		if r.User1ID != nil {
			ids = append(ids, *r.User1ID)
		}
		if r.User2ID != nil {
			ids = append(ids, *r.User2ID)
		}
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// truncateRunes 截取前 n 个字符作为会话摘要
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// roomLocks 按会话 id 分配的进程内互斥锁，引用计数归零后回收
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

func (l *roomLocks) lock(roomID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[roomID]
	if !ok {
		rl = &roomLock{}
		l.locks[roomID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}
