package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/chatgateway/internal/datamodels/user"
)

// RoomType 会话类型
type RoomType string

const (
	RoomDirect RoomType = "DIRECT"
	RoomCall   RoomType = "CALL"
	RoomGroup  RoomType = "GROUP"
)

// DefaultMessageType 未指定时的消息类型
const DefaultMessageType = "text"

// Room 会话。DIRECT 会话的 User1ID/User2ID 按字典序保存，保证同一对用户只有一个会话
type Room struct {
	ID              string     `gorm:"primaryKey;size:64" json:"id"`
	Type            RoomType   `gorm:"size:16;not null;index" json:"type"`
	User1ID         *string    `gorm:"size:64;uniqueIndex:idx_room_pair" json:"user1Id,omitempty"`
	User2ID         *string    `gorm:"size:64;uniqueIndex:idx_room_pair" json:"user2Id,omitempty"`
	CallID          *string    `gorm:"size:64;uniqueIndex" json:"callId,omitempty"`
	LastSequenceID  int64      `gorm:"not null;default:0" json:"lastSequenceId"`
	LastMessageAt   *time.Time `gorm:"index" json:"lastMessageAt"`
	LastMessageText *string    `gorm:"size:512" json:"lastMessageText"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// HasParticipant 判断用户是否为 DIRECT 会话成员
func (r *Room) HasParticipant(userID string) bool {
	return (r.User1ID != nil && *r.User1ID == userID) || (r.User2ID != nil && *r.User2ID == userID)
}

// Message 聊天消息，SequenceID 在同一会话内从 1 开始连续递增
type Message struct {
	ID         string          `gorm:"primaryKey;size:64" json:"id"`
	RoomID     string          `gorm:"size:64;not null;uniqueIndex:idx_room_seq,priority:1" json:"roomId"`
	SenderID   string          `gorm:"size:64;not null;index" json:"senderId"`
	Content    string          `gorm:"type:text;not null" json:"content"`
	Type       string          `gorm:"size:32;not null;default:'text'" json:"type"`
	Metadata   json.RawMessage `gorm:"type:text" json:"metadata,omitempty"`
	SequenceID int64           `gorm:"not null;uniqueIndex:idx_room_seq,priority:2" json:"sequenceId"`
	CreatedAt  time.Time       `gorm:"index" json:"createdAt"`

	ReadBy []string   `gorm:"-" json:"readBy"`
	Sender *user.User `gorm:"-" json:"sender,omitempty"`
}

// MessageRead 已读记录，(MessageID, UserID) 唯一
type MessageRead struct {
	MessageID string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"primaryKey;size:64;index"`
	ReadAt    time.Time
}

// RoomRepository 会话仓储接口
type RoomRepository interface {
	GetByID(ctx context.Context, id string) (*Room, error)
	FindDirect(ctx context.Context, user1ID, user2ID string) (*Room, error)
	FindByCall(ctx context.Context, callID string) (*Room, error)
	// CreateIfAbsent 插入会话，唯一键冲突时不报错；返回值表示是否真正插入
	CreateIfAbsent(ctx context.Context, r *Room) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]*Room, error)
	ListIDs(ctx context.Context) ([]string, error)
}

// MessageRepository 消息仓储接口
type MessageRepository interface {
	// Create 在一个事务内分配序号、写入消息与发送者已读记录并更新会话摘要
	Create(ctx context.Context, m *Message, preview string) error
	// ListBefore 按 sequence_id 倒序取 beforeSeq 之前的 limit 条，beforeSeq<=0 表示不限
	ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]*Message, error)
	Latest(ctx context.Context, roomID string) (*Message, error)
	MarkRead(ctx context.Context, roomID, userID string, upToSeq int64) (int64, error)
	CountUnread(ctx context.Context, roomID, userID string) (int64, error)
	DeleteAllButLast(ctx context.Context, roomID string, keepLast int) (int64, error)
}
