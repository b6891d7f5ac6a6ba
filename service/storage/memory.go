package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"dmchat/tools/ids"

	"github.com/pkg/errors"
)

// MemoryStore 进程内实现，单机部署与测试使用。一把互斥锁保证单条记录变更的原子性。
type MemoryStore struct {
	mu   sync.RWMutex
	msgs map[int64]*Message
	gen  *ids.Generator
	now  func() time.Time

	// 发送时间单调不减（时钟回拨时沿用上一条）
	lastSent time.Time
}

func NewMemoryStore(gen *ids.Generator) *MemoryStore {
	if gen == nil {
		gen = ids.NewGenerator(1)
	}
	return &MemoryStore{
		msgs: make(map[int64]*Message),
		gen:  gen,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 注入时钟（单测用）
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "create message")
	}
	m := &Message{
		ID:         s.gen.Next(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
	}
	s.mu.Lock()
	m.SentAt = NotBefore(s.now(), s.lastSent)
	s.lastSent = m.SentAt
	s.msgs[m.ID] = m
	s.mu.Unlock()
	return m.Clone(), nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) UpdateContent(ctx context.Context, id int64, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.Deleted {
		return nil, ErrNotFound
	}
	edited := NotBefore(s.now(), m.SentAt)
	m.Content = content
	m.EditedAt = &edited
	return m.Clone(), nil
}

func (s *MemoryStore) Tombstone(ctx context.Context, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || m.Deleted {
		return "", ErrNotFound
	}
	deleted := NotBefore(s.now(), m.SentAt)
	m.Content = ""
	m.Deleted = true
	m.DeletedAt = &deleted
	return m.ReceiverID, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, fromUserID, toUserID string) (int64, error) {
	now := s.now()
	var n int64
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.SenderID != fromUserID || m.ReceiverID != toUserID || m.ReadAt != nil || m.Deleted {
			continue
		}
		read := NotBefore(now, m.SentAt)
		m.ReadAt = &read
		n++
	}
	return n, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	limit = ClampLimit(limit)
	s.mu.RLock()
	out := make([]*Message, 0, limit)
	for _, m := range s.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
