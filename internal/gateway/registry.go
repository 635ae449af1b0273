package gateway

import (
	"sort"
	"sync"
)

// Registry 本进程的连接表：连接 id -> 连接，用户 -> 连接集合，会话 -> 订阅连接集合。
// 每个连接订阅的会话集合也由这里维护，销毁时一次性清扫。
type Registry struct {
	mu     sync.RWMutex
	conns  map[uint64]*Conn
	byUser map[string]map[uint64]*Conn
	byRoom map[string]map[uint64]*Conn
	// roomUsers 会话 -> 用户 -> 该用户在会话中的连接数
	roomUsers map[string]map[string]int
}

// NewRegistry 创建连接表
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[uint64]*Conn),
		byUser:    make(map[string]map[uint64]*Conn),
		byRoom:    make(map[string]map[uint64]*Conn),
		roomUsers: make(map[string]map[string]int),
	}
}

// Register 登记连接
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
	set, ok := r.byUser[c.UserID()]
	if !ok {
		set = make(map[uint64]*Conn)
		r.byUser[c.UserID()] = set
	}
	set[c.id] = c
}

// Unregister 注销连接，返回该用户因此不再在线的会话；连接已注销时 ok 为 false
func (r *Registry) Unregister(c *Conn) (offline []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok = r.conns[c.id]; !ok {
		return nil, false
	}
	delete(r.conns, c.id)
	if set := r.byUser[c.UserID()]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byUser, c.UserID())
		}
	}
	for roomID := range c.rooms {
		if r.removeFromRoom(c, roomID) == 0 {
			offline = append(offline, roomID)
		}
	}
	c.rooms = make(map[string]struct{})
	sort.Strings(offline)
	return offline, true
}

// Subscribe 把连接加入会话，连接未登记时返回 false
func (r *Registry) Subscribe(c *Conn, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.id]; !ok {
		return false
	}
	if _, ok := c.rooms[roomID]; ok {
		return true
	}
	set, ok := r.byRoom[roomID]
	if !ok {
		set = make(map[uint64]*Conn)
		r.byRoom[roomID] = set
	}
	set[c.id] = c
	users, ok := r.roomUsers[roomID]
	if !ok {
		users = make(map[string]int)
		r.roomUsers[roomID] = users
	}
	users[c.UserID()]++
	c.rooms[roomID] = struct{}{}
	return true
}

// Unsubscribe 把连接移出会话，返回该用户是否已没有其它连接留在会话中
func (r *Registry) Unsubscribe(c *Conn, roomID string) (userLeft bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return r.removeFromRoom(c, roomID) == 0
}

// removeFromRoom 返回该用户在会话中剩余的连接数
func (r *Registry) removeFromRoom(c *Conn, roomID string) int {
	if set := r.byRoom[roomID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(r.byRoom, roomID)
		}
	}
	users := r.roomUsers[roomID]
	if users == nil {
		return 0
	}
	left := users[c.UserID()] - 1
	if left <= 0 {
		delete(users, c.UserID())
		left = 0
	} else {
		users[c.UserID()] = left
	}
	if len(users) == 0 {
		delete(r.roomUsers, roomID)
	}
	return left
}

// IsSubscribed 连接是否已加入会话
func (r *Registry) IsSubscribed(c *Conn, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms 连接当前订阅的会话
func (r *Registry) Rooms(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectionsFor 用户在本进程的全部连接
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// LocalSubscribersOf 本进程订阅了会话的连接
func (r *Registry) LocalSubscribersOf(roomID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byRoom[roomID]))
	for _, c := range r.byRoom[roomID] {
		out = append(out, c)
	}
	return out
}

// OnlineUsers 会话中在本进程在线的用户 id
func (r *Registry) OnlineUsers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.roomUsers[roomID]))
	for userID := range r.roomUsers[roomID] {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// All 全部连接的快照
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len 连接数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
