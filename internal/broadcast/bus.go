// Package broadcast 跨进程广播总线：所有进程订阅同一个频道，
// 本进程发布的事件也经由总线回到自己，再由网关做本地扇出。
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope 总线上传输的事件
type Envelope struct {
	RoomID        string          `json:"roomId"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
}

// Handler 处理收到的事件，同一订阅内按到达顺序串行调用
type Handler func(Envelope)

// Bus 广播总线
type Bus interface {
	// Publish 序列化并发布事件，excludeUserID 为空表示不排除任何人
	Publish(ctx context.Context, roomID, event string, data interface{}, excludeUserID string) error
	// Subscribe 注册处理函数，在 ctx 结束或 Close 之前持续投递
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(roomID, event string, data interface{}, excludeUserID string) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{
		RoomID:        roomID,
		Event:         event,
		Data:          raw,
		ExcludeUserID: excludeUserID,
	})
}

func decode(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, err
	}
	if env.RoomID == "" || env.Event == "" {
		return env, fmt.Errorf("envelope missing roomId or event")
	}
	return env, nil
}
