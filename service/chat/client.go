package chat

import (
	"sync"
	"time"

	"dmchat/logger"
	"dmchat/tools/errs"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ---- 常量参数 ----
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	DefaultSendQueueSize = 256
)

// Client represents one websocket connection of an authenticated user.
// A single user may have multiple devices/connections, each maintained separately.
type Client struct {
	connID string
	userID string
	ws     *websocket.Conn

	mu     sync.Mutex
	send   chan []byte // 由单个写协程消费
	closed bool
}

var _ Conn = (*Client)(nil)

func NewClient(userID string, ws *websocket.Conn, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = DefaultSendQueueSize
	}
	return &Client{
		connID: uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
	}
}

func (c *Client) ID() string     { return c.connID }
func (c *Client) UserID() string { return c.userID }

// Send 非阻塞入队
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrTransportFailure.WrapMsg("connection closed", "conn", c.connID)
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errs.ErrTransportFailure.WrapMsg("send queue full", "conn", c.connID)
	}
}

// closeSend 关闭发送队列，写协程排空后退出
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump 唯一的写协程：业务帧 + 定时 ping；退出时负责关闭底层连接
func (c *Client) writePump(done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(done)
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("[WS] write failed", zap.String("conn", c.connID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("[WS] ping failed", zap.String("conn", c.connID), zap.Error(err))
				return
			}
		}
	}
}

// readPump 顺序读取并交给 handle；读错误或对端关闭即返回
func (c *Client) readPump(handle func(raw []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] read err conn=%s user=%s err=%v", c.connID, c.userID, err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}
