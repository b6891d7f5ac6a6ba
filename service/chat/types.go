package chat

import (
	"sync/atomic"
)

// Conn 一条已认证的客户端连接。Send 必须非阻塞：队列满或已关闭时返回 TransportFailure。
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
}

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 连接级状态机 Connecting → Active → Closed
type Session struct {
	Conn  Conn
	state atomic.Int32
}

func NewSession(c Conn) *Session {
	return &Session{Conn: c}
}

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) UserID() string { return s.Conn.UserID() }

// Activate 仅 Connecting 可进入 Active
func (s *Session) Activate() bool {
	return s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

// Close 返回是否由本次调用完成关闭
func (s *Session) Close() bool {
	for {
		cur := s.state.Load()
		if cur == int32(StateClosed) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateClosed)) {
			return true
		}
	}
}
