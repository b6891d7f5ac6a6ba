package chat

import (
	"sync"

	"github.com/samber/lo"
)

// Registry user -> conn_id -> conn。空集合不保留，持锁期间不做 I/O。
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]map[string]Conn)}
}

// Register 返回是否 0→1 上线
func (r *Registry) Register(userID string, c Conn) (cameOnline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[userID]
	if m == nil {
		m = make(map[string]Conn)
		r.byUser[userID] = m
		cameOnline = true
	}
	m[c.ID()] = c
	return cameOnline
}

// Unregister 返回是否 1→0 下线；重复调用是 no-op
func (r *Registry) Unregister(userID, connID string) (wentOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[userID]
	if m == nil {
		return false
	}
	if _, ok := m[connID]; !ok {
		return false
	}
	delete(m, connID)
	if len(m) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// ConnectionsFor 快照，离线时为空
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.byUser[userID])
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser)
}

func (r *Registry) Count() (users, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.byUser {
		conns += len(m)
	}
	return len(r.byUser), conns
}
