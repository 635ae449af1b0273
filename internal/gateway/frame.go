package gateway

import "encoding/json"

// 入站事件
const (
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventSendMessage = "sendMessage"
	EventTyping      = "typing"
	EventMarkRead    = "markRead"
	EventPing        = "ping"
)

// 出站事件
const (
	EventConnected      = "connected"
	EventRoomJoined     = "roomJoined"
	EventRoomLeft       = "roomLeft"
	EventMessage        = "message"
	EventPresenceUpdate = "presenceUpdate"
	EventMarkedRead     = "markedRead"
	EventPong           = "pong"
	EventError          = "error"
)

// 关闭码
const (
	CloseAuthFailed = 4001
)

// Frame 客户端与服务端之间的统一信封 {type, payload}
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutFrame 出站信封，payload 在写出时再序列化
type OutFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type joinRoomPayload struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
	CallID       string `json:"callId"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type sendMessagePayload struct {
	RoomID   string          `json:"roomId"`
	Content  string          `json:"content"`
	Type     string          `json:"type"`
	Metadata json.RawMessage `json:"metadata"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type markReadPayload struct {
	RoomID     string `json:"roomId"`
	SequenceID int64  `json:"sequenceId"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type presencePayload struct {
	UserID    string `json:"userId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type typingEvent struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}
