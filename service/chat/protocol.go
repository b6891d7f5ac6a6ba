package chat

import (
	"context"
	"strings"
	"time"

	"dmchat/logger"
	"dmchat/service/storage"
	"dmchat/tools/errs"
	"dmchat/tools/safe"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const MaxContentLength = 4000

// PresenceMirror 上下线镜像到外部（Redis），尽力而为
type PresenceMirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
}

// Auditor 持久化变更成功后的审计出口（Kafka），不得影响主流程
type Auditor interface {
	Emit(ctx context.Context, ev storage.LifecycleEvent)
}

// ---- 请求参数 ----

type SendMessageRequest struct {
	ReceiverID  string `json:"receiverId" validate:"required,uuid"`
	Content     string `json:"content" validate:"required,max=4000"`
	ClientMsgID string `json:"clientMsgId" validate:"omitempty,max=64"`
}

type EditMessageRequest struct {
	MessageID  int64  `json:"messageId" validate:"required,gt=0"`
	NewContent string `json:"newContent"`
}

type DeleteMessageRequest struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type MarkAsReadRequest struct {
	CounterpartUserID string `json:"counterpartUserId" validate:"required,uuid"`
}

type TypingRequest struct {
	ReceiverID string `json:"receiverId" validate:"required,uuid"`
}

type LoadConversationRequest struct {
	CounterpartUserID string `json:"counterpartUserId" validate:"required,uuid"`
	Limit             int    `json:"limit" validate:"gte=0"`
}

// Call 一次调用的上下文：发起会话 + invocation id
type Call struct {
	Session *Session
	Ref     string
}

// Hub 私聊协议。所有操作返回 (结果, CodeError)，事件经 Dispatcher 扇出。
type Hub struct {
	store    storage.MessageStore
	reg      *Registry
	disp     *Dispatcher
	validate *validator.Validate
	presence PresenceMirror
	audit    Auditor
	now      func() time.Time
}

type HubOption func(*Hub)

func WithPresence(p PresenceMirror) HubOption { return func(h *Hub) { h.presence = p } }

func WithAuditor(a Auditor) HubOption { return func(h *Hub) { h.audit = a } }

func NewHub(store storage.MessageStore, reg *Registry, disp *Dispatcher, opts ...HubOption) *Hub {
	safe.MustNotNil(store, "store")
	safe.MustNotNil(reg, "registry")
	safe.MustNotNil(disp, "dispatcher")
	h := &Hub{
		store:    store,
		reg:      reg,
		disp:     disp,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Registry() *Registry     { return h.reg }
func (h *Hub) Dispatcher() *Dispatcher { return h.disp }

// caller 校验会话已激活并取出用户
func caller(call Call) (string, error) {
	if call.Session == nil || call.Session.State() != StateActive || call.Session.UserID() == "" {
		return "", errs.ErrUnauthenticated.WrapMsg("session not active")
	}
	return call.Session.UserID(), nil
}

func (h *Hub) check(req any) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if errors.As(err, &ves) {
		fields := lo.Map(ves, func(fe validator.FieldError, _ int) string {
			return fe.Field() + ":" + fe.Tag()
		})
		return errs.ErrInvalid.WrapMsg("invalid arguments", "fields", strings.Join(fields, ","))
	}
	return errs.ErrInvalid.WrapMsg(err.Error())
}

func checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", errs.ErrInvalid.WrapMsg("content is empty")
	}
	if n := len([]rune(content)); n > MaxContentLength {
		return "", errs.ErrInvalid.WrapMsg("content too long", "len", n)
	}
	return content, nil
}

// SendMessage 持久化并投递；ReceivedMessage → 接收方全部连接，MessageAcknowledged → 仅调用连接
func (h *Hub) SendMessage(ctx context.Context, call Call, req SendMessageRequest) (*storage.Message, error) {
	me, err := caller(call)
	if err != nil {
		return nil, err
	}
	req.Content = strings.TrimSpace(req.Content)
	if err := h.check(req); err != nil {
		return nil, err
	}
	if req.ReceiverID == me {
		return nil, errs.ErrInvalid.WrapMsg("cannot message yourself")
	}

	m, err := h.store.Create(ctx, me, req.ReceiverID, req.Content)
	if err != nil {
		logger.Error("[hub] persist message failed", zap.String("sender", me), zap.String("receiver", req.ReceiverID), zap.Error(err))
		return nil, errs.ErrDeliveryFailed.WrapMsg("message not persisted")
	}
	h.emit(ctx, storage.LifecycleEvent{Kind: storage.LifecycleCreated, MessageID: m.ID, SenderID: me, ReceiverID: m.ReceiverID, ActorID: me})

	h.disp.DeliverToUser(m.ReceiverID, NewEvent(EventReceivedMessage, m))
	h.disp.DeliverToConn(call.Session.Conn, NewEvent(EventMessageAcknowledged, MessageAck{
		Message:     m,
		ReceiverID:  m.ReceiverID,
		ClientMsgID: req.ClientMsgID,
	}).WithRef(call.Ref))
	return m, nil
}

// loadOwned NotFound / Forbidden 检查，墓碑视为不存在
func (h *Hub) loadOwned(ctx context.Context, me string, id int64) (*storage.Message, error) {
	m, err := h.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && m.Deleted) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("load message", "id", id, "err", err.Error())
	}
	if m.SenderID != me {
		return nil, errs.ErrForbidden.WrapMsg("not the sender", "id", id)
	}
	return m, nil
}

// EditMessage MessageEdited → 接收方与调用方全部连接
func (h *Hub) EditMessage(ctx context.Context, call Call, req EditMessageRequest) (*storage.Message, error) {
	me, err := caller(call)
	if err != nil {
		return nil, err
	}
	if err := h.check(req); err != nil {
		return nil, err
	}
	if _, err := h.loadOwned(ctx, me, req.MessageID); err != nil {
		return nil, err
	}
	content, err := checkContent(req.NewContent)
	if err != nil {
		return nil, err
	}

	m, err := h.store.UpdateContent(ctx, req.MessageID, content)
	if errors.Is(err, storage.ErrNotFound) {
		// 与并发删除竞争失败
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", req.MessageID)
	}
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("update message", "id", req.MessageID, "err", err.Error())
	}
	h.emit(ctx, storage.LifecycleEvent{Kind: storage.LifecycleEdited, MessageID: m.ID, SenderID: me, ReceiverID: m.ReceiverID, ActorID: me})

	ev := NewEvent(EventMessageEdited, MessageEdited{MessageID: m.ID, Content: m.Content, EditedAt: m.EditedAt})
	h.disp.DeliverToUser(m.ReceiverID, ev)
	h.disp.DeliverToUser(me, ev)
	return m, nil
}

// DeleteMessage 打墓碑；MessageDeleted → 接收方与调用方全部连接
func (h *Hub) DeleteMessage(ctx context.Context, call Call, req DeleteMessageRequest) error {
	me, err := caller(call)
	if err != nil {
		return err
	}
	if err := h.check(req); err != nil {
		return err
	}
	if _, err := h.loadOwned(ctx, me, req.MessageID); err != nil {
		return err
	}

	receiverID, err := h.store.Tombstone(ctx, req.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return errs.ErrNotFound.WrapMsg("message not found", "id", req.MessageID)
	}
	if err != nil {
		return errs.ErrInternal.WrapMsg("delete message", "id", req.MessageID, "err", err.Error())
	}
	h.emit(ctx, storage.LifecycleEvent{Kind: storage.LifecycleDeleted, MessageID: req.MessageID, SenderID: me, ReceiverID: receiverID, ActorID: me})

	ev := NewEvent(EventMessageDeleted, MessageDeleted{MessageID: req.MessageID})
	h.disp.DeliverToUser(receiverID, ev)
	h.disp.DeliverToUser(me, ev)
	return nil
}

// MarkAsRead counterpart → caller 的未读置为已读；MessagesRead(caller) → counterpart。失败只记日志。
func (h *Hub) MarkAsRead(ctx context.Context, call Call, req MarkAsReadRequest) {
	me, err := caller(call)
	if err != nil {
		logger.Debug("[hub] mark read ignored", zap.Error(err))
		return
	}
	if err := h.check(req); err != nil {
		logger.Debug("[hub] mark read ignored", zap.String("user", me), zap.Error(err))
		return
	}
	n, err := h.store.MarkRead(ctx, req.CounterpartUserID, me)
	if err != nil {
		logger.Warn("[hub] mark read failed", zap.String("user", me), zap.String("counterpart", req.CounterpartUserID), zap.Error(err))
		return
	}
	if n > 0 {
		h.emit(ctx, storage.LifecycleEvent{Kind: storage.LifecycleRead, SenderID: req.CounterpartUserID, ReceiverID: me, ActorID: me, Count: n})
	}
	h.disp.DeliverToUser(req.CounterpartUserID, NewEvent(EventMessagesRead, UserRef{UserID: me}))
}

// Typing 不落库，fire-and-forget
func (h *Hub) Typing(_ context.Context, call Call, req TypingRequest) {
	me, err := caller(call)
	if err != nil {
		return
	}
	if err := h.check(req); err != nil {
		return
	}
	h.disp.DeliverToUser(req.ReceiverID, NewEvent(EventUserTyping, UserRef{UserID: me}))
}

// LoadConversation 最近的会话消息（旧→新），结果只回给调用连接
func (h *Hub) LoadConversation(ctx context.Context, call Call, req LoadConversationRequest) ([]*storage.Message, error) {
	me, err := caller(call)
	if err != nil {
		return nil, err
	}
	msgs, err := h.History(ctx, me, req)
	if err != nil {
		return nil, err
	}
	h.disp.DeliverToConn(call.Session.Conn, NewEvent(EventConversation, Conversation{
		PeerID:   req.CounterpartUserID,
		Messages: msgs,
	}).WithRef(call.Ref))
	return msgs, nil
}

// History 供 HTTP 接口复用
func (h *Hub) History(ctx context.Context, me string, req LoadConversationRequest) ([]*storage.Message, error) {
	if err := h.check(req); err != nil {
		return nil, err
	}
	msgs, err := h.store.Conversation(ctx, me, req.CounterpartUserID, req.Limit)
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("load conversation", "err", err.Error())
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}
	return msgs, nil
}

// OnConnect 注册连接；0→1 时广播 UserOnline，并给新连接推送在线列表快照
func (h *Hub) OnConnect(ctx context.Context, s *Session) error {
	if s.UserID() == "" {
		return errs.ErrUnauthenticated.WrapMsg("anonymous connection")
	}
	if !s.Activate() {
		return errs.ErrInvalid.WrapMsg("session already started", "state", s.State().String())
	}
	me := s.UserID()
	cameOnline := h.reg.Register(me, s.Conn)
	logger.Info("[hub] connected", zap.String("user", me), zap.String("conn", s.Conn.ID()), zap.Bool("cameOnline", cameOnline))

	if cameOnline {
		h.mirrorPresence(ctx, me, true)
		h.disp.DeliverToAllExcept(me, NewEvent(EventUserOnline, UserRef{UserID: me}))
	}
	others := lo.Without(h.reg.OnlineUsers(), me)
	h.disp.DeliverToConn(s.Conn, NewEvent(EventOnlineUsers, OnlineUsers{UserIDs: others}))
	return nil
}

// OnDisconnect 永不失败：先注销，再尽力广播 UserOffline
func (h *Hub) OnDisconnect(ctx context.Context, s *Session, reason error) {
	if !s.Close() {
		return
	}
	me := s.UserID()
	wentOffline := h.reg.Unregister(me, s.Conn.ID())
	logger.Info("[hub] disconnected", zap.String("user", me), zap.String("conn", s.Conn.ID()),
		zap.Bool("wentOffline", wentOffline), zap.NamedError("reason", reason))
	if !wentOffline {
		return
	}
	err := safe.Call(func() error {
		h.mirrorPresence(ctx, me, false)
		h.disp.DeliverToAllExcept(me, NewEvent(EventUserOffline, UserRef{UserID: me}))
		return nil
	})
	if err != nil {
		logger.Error("[hub] offline broadcast failed", zap.String("user", me), zap.Error(err))
	}
}

func (h *Hub) mirrorPresence(ctx context.Context, userID string, online bool) {
	if h.presence == nil {
		return
	}
	var err error
	if online {
		err = h.presence.Online(ctx, userID)
	} else {
		err = h.presence.Offline(ctx, userID)
	}
	if err != nil {
		logger.Warn("[hub] presence mirror failed", zap.String("user", userID), zap.Bool("online", online), zap.Error(err))
	}
}

func (h *Hub) emit(ctx context.Context, ev storage.LifecycleEvent) {
	if h.audit == nil {
		return
	}
	ev.At = h.now()
	h.audit.Emit(ctx, ev)
}
