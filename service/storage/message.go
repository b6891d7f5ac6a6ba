//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=mocks/mock_message.go -package=mocks

package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound 消息不存在或已被撤回（墓碑）
var ErrNotFound = errors.New("message not found")

const (
	DefaultConversationLimit = 50
	MaxConversationLimit     = 200
)

// Message 一条私聊消息。删除只打墓碑：清空 content，置 deleted，记录保留。
type Message struct {
	ID         int64      `json:"id,string" bson:"_id" db:"id"`
	SenderID   string     `json:"senderId" bson:"sender_id" db:"sender_id"`
	ReceiverID string     `json:"receiverId" bson:"receiver_id" db:"receiver_id"`
	Content    string     `json:"content" bson:"content" db:"content"`
	SentAt     time.Time  `json:"sentAt" bson:"sent_at" db:"sent_at"`
	EditedAt   *time.Time `json:"editedAt,omitempty" bson:"edited_at,omitempty" db:"edited_at"`
	Deleted    bool       `json:"deleted" bson:"deleted" db:"deleted"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty" bson:"deleted_at,omitempty" db:"deleted_at"`
	ReadAt     *time.Time `json:"readAt,omitempty" bson:"read_at,omitempty" db:"read_at"`
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.EditedAt = cloneTime(m.EditedAt)
	c.DeletedAt = cloneTime(m.DeletedAt)
	c.ReadAt = cloneTime(m.ReadAt)
	return &c
}

func (m *Message) IsRead() bool { return m.ReadAt != nil }

// MessageStore 消息持久化网关。每条记录的变更必须原子；
// UpdateContent/Tombstone 对已撤回的记录返回 ErrNotFound。
type MessageStore interface {
	Create(ctx context.Context, senderID, receiverID, content string) (*Message, error)
	FindByID(ctx context.Context, id int64) (*Message, error)
	UpdateContent(ctx context.Context, id int64, content string) (*Message, error)
	Tombstone(ctx context.Context, id int64) (receiverID string, err error)
	// MarkRead 将 from -> to 的所有未读消息置为已读，返回本次置位条数
	MarkRead(ctx context.Context, fromUserID, toUserID string) (int64, error)
	// Conversation 返回 a、b 之间最近 limit 条消息（按 ID 升序）
	Conversation(ctx context.Context, a, b string, limit int) ([]*Message, error)
	Close(ctx context.Context) error
}

// DMKey 会话键，与参与者顺序无关
func DMKey(a, b string) string {
	p := []string{a, b}
	sort.Strings(p)
	return fmt.Sprintf("im:dm:%s:%s", p[0], p[1])
}

// ClampLimit 规范化分页大小
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultConversationLimit
	}
	if limit > MaxConversationLimit {
		return MaxConversationLimit
	}
	return limit
}

// NotBefore 保证派生时间戳不早于发送时间（时钟回拨时）
func NotBefore(t, floor time.Time) time.Time {
	if t.Before(floor) {
		return floor
	}
	return t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
