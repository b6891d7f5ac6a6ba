package chat

import (
	"encoding/json"
	"time"

	"dmchat/service/storage"
	"dmchat/tools/errs"

	"github.com/pkg/errors"
)

// 客户端可调用的操作
const (
	OpSendMessage      = "SendMessage"
	OpEditMessage      = "EditMessage"
	OpDeleteMessage    = "DeleteMessage"
	OpMarkAsRead       = "MarkAsRead"
	OpTyping           = "Typing"
	OpLoadConversation = "LoadConversation"
)

// 服务端推送的事件
const (
	EventReceivedMessage     = "ReceivedMessage"
	EventMessageAcknowledged = "MessageAcknowledged"
	EventMessageEdited       = "MessageEdited"
	EventMessageDeleted      = "MessageDeleted"
	EventMessagesRead        = "MessagesRead"
	EventUserTyping          = "UserTyping"
	EventUserOnline          = "UserOnline"
	EventUserOffline         = "UserOffline"
	EventOnlineUsers         = "OnlineUsers"
	EventConversation        = "Conversation"
	EventOperationError      = "OperationError"
)

// InboundFrame {"id":"...","op":"SendMessage","args":{...}}
type InboundFrame struct {
	ID   string         `json:"id,omitempty"`
	Op   string         `json:"op"`
	Args map[string]any `json:"args,omitempty"`
}

// Event 一个事件一份 payload
type Event struct {
	Name string `json:"event"`
	Ref  string `json:"ref,omitempty"`
	TS   int64  `json:"ts"`
	Data any    `json:"data,omitempty"`
}

func NewEvent(name string, data any) Event {
	return Event{Name: name, TS: time.Now().UnixMilli(), Data: data}
}

// WithRef 关联到发起调用的 invocation id
func (e Event) WithRef(ref string) Event {
	e.Ref = ref
	return e
}

func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encode event %s", e.Name)
	}
	return b, nil
}

func ParseFrameJSON(raw []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalid.WrapMsg("malformed frame", "err", err.Error())
	}
	if f.Op == "" {
		return nil, errs.ErrInvalid.WrapMsg("missing op")
	}
	return &f, nil
}

// ---- payloads ----

type MessageAck struct {
	Message     *storage.Message `json:"message"`
	ReceiverID  string           `json:"receiverId"`
	ClientMsgID string           `json:"clientMsgId,omitempty"`
}

type MessageEdited struct {
	MessageID int64      `json:"messageId,string"`
	Content   string     `json:"content"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

type MessageDeleted struct {
	MessageID int64 `json:"messageId,string"`
}

// UserRef MessagesRead / UserTyping / UserOnline / UserOffline 共用
type UserRef struct {
	UserID string `json:"userId"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type Conversation struct {
	PeerID   string             `json:"peerId"`
	Messages []*storage.Message `json:"messages"`
}

type OperationError struct {
	Op      string `json:"op,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewOperationError 非 CodeError 一律视为 ServerInternalError，不泄露内部细节
func NewOperationError(op string, err error) OperationError {
	ce, ok := errs.As(err)
	if !ok {
		ce = errs.ErrInternal
	}
	msg := ce.Msg
	if ok && ce.Detail != "" && ce.Code != errs.ServerInternalError {
		msg += ": " + ce.Detail
	}
	return OperationError{Op: op, Code: ce.Code, Message: msg}
}
