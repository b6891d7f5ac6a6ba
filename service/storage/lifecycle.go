package storage

import "time"

// 生命周期事件类型
const (
	LifecycleCreated = "created"
	LifecycleEdited  = "edited"
	LifecycleDeleted = "deleted"
	LifecycleRead    = "read"
)

// LifecycleEvent 持久化变更成功后产生的审计记录
type LifecycleEvent struct {
	Kind       string    `json:"kind"`
	MessageID  int64     `json:"messageId,string,omitempty"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	ActorID    string    `json:"actorId"`
	Count      int64     `json:"count,omitempty"`
	At         time.Time `json:"at"`
}

// ConversationKey 分区键，同一会话落同一分区
func (e LifecycleEvent) ConversationKey() string {
	return DMKey(e.SenderID, e.ReceiverID)
}
