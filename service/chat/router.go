package chat

import (
	"context"
	"time"

	"dmchat/logger"
	"dmchat/tools/decode"
	"dmchat/tools/errs"

	"go.uber.org/zap"
)

const DefaultOpTimeout = 10 * time.Second

type opHandler func(ctx context.Context, call Call, args map[string]any) error

// Router 把入站帧分发到 Hub 操作；任何错误或 panic 都只以 OperationError 回给调用连接
type Router struct {
	hub       *Hub
	handlers  map[string]opHandler
	opTimeout time.Duration
}

func NewRouter(hub *Hub, opTimeout time.Duration) *Router {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	r := &Router{hub: hub, handlers: make(map[string]opHandler), opTimeout: opTimeout}
	r.registerHandlers()
	return r
}

func bind[T any](fn func(ctx context.Context, call Call, req T) error) opHandler {
	return func(ctx context.Context, call Call, args map[string]any) error {
		req, err := decode.DecodeMap[T](args)
		if err != nil {
			return errs.ErrInvalid.WrapMsg("bad arguments", "err", err.Error())
		}
		return fn(ctx, call, *req)
	}
}

func (r *Router) registerHandlers() {
	h := r.hub
	r.handlers[OpSendMessage] = bind(func(ctx context.Context, call Call, req SendMessageRequest) error {
		_, err := h.SendMessage(ctx, call, req)
		return err
	})
	r.handlers[OpEditMessage] = bind(func(ctx context.Context, call Call, req EditMessageRequest) error {
		_, err := h.EditMessage(ctx, call, req)
		return err
	})
	r.handlers[OpDeleteMessage] = bind(h.DeleteMessage)
	r.handlers[OpLoadConversation] = bind(func(ctx context.Context, call Call, req LoadConversationRequest) error {
		_, err := h.LoadConversation(ctx, call, req)
		return err
	})
	// 尽力而为：参数错误也不回错
	r.handlers[OpMarkAsRead] = func(ctx context.Context, call Call, args map[string]any) error {
		if req, err := decode.DecodeMap[MarkAsReadRequest](args); err == nil {
			h.MarkAsRead(ctx, call, *req)
		}
		return nil
	}
	r.handlers[OpTyping] = func(ctx context.Context, call Call, args map[string]any) error {
		if req, err := decode.DecodeMap[TypingRequest](args); err == nil {
			h.Typing(ctx, call, *req)
		}
		return nil
	}
}

// HandleRaw 处理一个原始帧，解析失败同样回 OperationError，连接保持
func (r *Router) HandleRaw(s *Session, raw []byte) {
	f, err := ParseFrameJSON(raw)
	if err != nil {
		r.reply(s, "", "", err)
		return
	}
	r.Handle(s, f)
}

// Handle 同一连接的帧由读循环顺序调用
func (r *Router) Handle(s *Session, f *InboundFrame) {
	call := Call{Session: s, Ref: f.ID}
	fn, ok := r.handlers[f.Op]
	if !ok {
		r.reply(s, f.Op, f.ID, errs.ErrInvalid.WrapMsg("unknown op", "op", f.Op))
		return
	}
	// 与连接生命周期解耦：断开不取消已发出的写
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = errs.ErrPanic(rec)
				logger.Error("[router] handler panic", zap.String("op", f.Op), zap.String("user", s.UserID()),
					zap.Error(err), zap.Stack("stack"))
			}
		}()
		return fn(ctx, call, f.Args)
	}()
	if err != nil {
		r.reply(s, f.Op, f.ID, err)
	}
}

func (r *Router) reply(s *Session, op, ref string, err error) {
	oe := NewOperationError(op, err)
	if oe.Code == errs.ServerInternalError {
		logger.Error("[router] operation failed", zap.String("op", op), zap.String("user", s.UserID()), zap.Error(err))
	} else {
		logger.Debug("[router] operation rejected", zap.String("op", op), zap.String("user", s.UserID()), zap.Error(err))
	}
	r.hub.disp.DeliverToConn(s.Conn, NewEvent(EventOperationError, oe).WithRef(ref))
}
