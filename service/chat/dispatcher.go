package chat

import (
	"dmchat/logger"

	"go.uber.org/zap"
)

// Bridge 跨节点转发，用户定向事件发布给集群其他节点
type Bridge interface {
	Publish(userID string, payload []byte) error
}

// Dispatcher 将事件编码一次后投递到目标连接的发送队列，不阻塞、不因单个连接失败而中断
type Dispatcher struct {
	reg    *Registry
	bridge Bridge
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// SetBridge 启动阶段调用一次
func (d *Dispatcher) SetBridge(b Bridge) { d.bridge = b }

func (d *Dispatcher) encode(ev Event) []byte {
	payload, err := ev.Encode()
	if err != nil {
		logger.Error("[dispatch] encode event failed", zap.String("event", ev.Name), zap.Error(err))
		return nil
	}
	return payload
}

// DeliverToUser 投递到用户的全部本地连接，并发布到集群
func (d *Dispatcher) DeliverToUser(userID string, ev Event) int {
	payload := d.encode(ev)
	if payload == nil {
		return 0
	}
	if d.bridge != nil {
		if err := d.bridge.Publish(userID, payload); err != nil {
			logger.Warn("[dispatch] bridge publish failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return d.DeliverLocal(userID, payload)
}

// DeliverLocal 已编码的 payload 投递到本节点连接，集群桥接收端也走这里
func (d *Dispatcher) DeliverLocal(userID string, payload []byte) int {
	return d.sendAll(d.reg.ConnectionsFor(userID), payload)
}

// DeliverToConn 仅投递到单条连接（调用方回执、错误）
func (d *Dispatcher) DeliverToConn(c Conn, ev Event) int {
	payload := d.encode(ev)
	if payload == nil {
		return 0
	}
	return d.sendAll([]Conn{c}, payload)
}

// DeliverToAllExcept 在线广播（presence），跳过 userID 自己
func (d *Dispatcher) DeliverToAllExcept(userID string, ev Event) int {
	payload := d.encode(ev)
	if payload == nil {
		return 0
	}
	n := 0
	for _, u := range d.reg.OnlineUsers() {
		if u == userID {
			continue
		}
		n += d.sendAll(d.reg.ConnectionsFor(u), payload)
	}
	return n
}

func (d *Dispatcher) sendAll(conns []Conn, payload []byte) int {
	n := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			logger.Debug("[dispatch] skip connection",
				zap.String("conn", c.ID()), zap.String("user", c.UserID()), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
