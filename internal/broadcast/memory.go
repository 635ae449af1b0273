package broadcast

import (
	"context"
	"sync"
)

// Hub 进程内的共享频道，单机部署或测试中模拟多个进程
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan []byte
}

// NewHub 创建共享频道
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []byte)}
}

// Bus 返回挂在该频道上的一个总线端点
func (h *Hub) Bus() *MemoryBus {
	return &MemoryBus{hub: h}
}

func (h *Hub) add(ch chan []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subs[h.nextID] = ch
	return h.nextID
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) send(body []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		ch <- body
	}
}

// MemoryBus Hub 上的一个端点
type MemoryBus struct {
	hub *Hub

	mu  sync.Mutex
	ids []int
}

func (b *MemoryBus) Publish(ctx context.Context, roomID, event string, data interface{}, excludeUserID string) error {
	body, err := encode(roomID, event, data, excludeUserID)
	if err != nil {
		return err
	}
	b.hub.send(body)
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan []byte, 1024)
	id := b.hub.add(ch)
	b.mu.Lock()
	b.ids = append(b.ids, id)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				// 继续消费直到关闭，避免阻塞中的发布方拿不到锁
				go func() {
					for range ch {
					}
				}()
				b.hub.remove(id)
				return
			case body, ok := <-ch:
				if !ok {
					return
				}
				if env, err := decode(body); err == nil {
					h(env)
				}
			}
		}
	}()
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	ids := b.ids
	b.ids = nil
	b.mu.Unlock()
	for _, id := range ids {
		b.hub.remove(id)
	}
	return nil
}
