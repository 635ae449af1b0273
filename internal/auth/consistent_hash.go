package auth

import (
	"hash/crc32"
	"sort"
	"strconv"
	"sync"
)

// Ring 一致性哈希环，决定 token 缓存落在哪个逻辑节点的 key 空间
type Ring struct {
	mu       sync.RWMutex
	replicas int
	points   []uint32
	owner    map[uint32]string
	nodes    map[string]struct{}
}

// NewRing 创建哈希环，nodes 为空时放入一个默认节点
func NewRing(nodes []string, replicas int) *Ring {
	if replicas <= 0 {
		replicas = 50
	}
	if len(nodes) == 0 {
		nodes = []string{"auth-node-default"}
	}
	r := &Ring{
		replicas: replicas,
		owner:    make(map[uint32]string),
		nodes:    make(map[string]struct{}),
	}
	r.Add(nodes...)
	return r
}

func (r *Ring) point(node string, i int) uint32 {
	return crc32.ChecksumIEEE([]byte(node + "#" + strconv.Itoa(i)))
}

// Add 添加节点，已存在的节点忽略
func (r *Ring) Add(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range nodes {
		if _, ok := r.nodes[node]; ok {
			continue
		}
		r.nodes[node] = struct{}{}
		for i := 0; i < r.replicas; i++ {
			p := r.point(node, i)
			r.points = append(r.points, p)
			r.owner[p] = node
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
}

// Remove 摘除节点，其 key 会顺延到环上的下一个节点
func (r *Ring) Remove(node string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	kept := r.points[:0]
	for _, p := range r.points {
		if r.owner[p] == node {
			delete(r.owner, p)
			continue
		}
		kept = append(kept, p)
	}
	r.points = kept
}

// Node 返回负责 key 的节点，环为空时返回空串
func (r *Ring) Node(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.owner[r.points[idx]]
}
