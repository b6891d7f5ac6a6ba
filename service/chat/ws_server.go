package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"dmchat/logger"
	"dmchat/middleware"
	midsec "dmchat/middleware/security"
	"dmchat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ServerConfig struct {
	SendQueueSize  int
	OpTimeout      time.Duration
	AllowedOrigins []string
}

// Server websocket 接入层：认证后的升级请求 → Client → Session → Hub
type Server struct {
	hub      *Hub
	router   *Router
	conf     ServerConfig
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, conf ServerConfig) *Server {
	s := &Server{
		hub:    hub,
		router: NewRouter(hub, conf.OpTimeout),
		conf:   conf,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(conf.AllowedOrigins, origin)
		},
	}
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

// HandleWS 需挂在认证中间件之后
func (s *Server) HandleWS(c *gin.Context) {
	userID := midsec.UserID(c)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthenticated)
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已写回错误响应
		logger.Infof("[HandleWS] upgrade websocket error: %v", err)
		return
	}
	s.Serve(NewClient(userID, ws, s.conf.SendQueueSize))
}

// Serve 阻塞直到连接结束
func (s *Server) Serve(cl *Client) {
	done := make(chan struct{})
	go cl.writePump(done)

	sess := NewSession(cl)
	if err := s.hub.OnConnect(context.Background(), sess); err != nil {
		logger.Warn("[HandleWS] connect rejected", zap.String("user", cl.UserID()), zap.Error(err))
		cl.closeSend()
		<-done
		return
	}

	// ---- 读循环：顺序处理本连接的调用 ----
	cl.readPump(func(raw []byte) {
		s.router.HandleRaw(sess, raw)
	})

	// ---- 退出阶段：先注销（不再接收扇出），再让写协程排空并关闭 ----
	s.hub.OnDisconnect(context.Background(), sess, nil)
	cl.closeSend()
	<-done
}

// HandleConversation GET /api/conversations/:peer?limit=N
func (s *Server) HandleConversation(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	msgs, err := s.hub.History(c.Request.Context(), midsec.UserID(c), LoadConversationRequest{
		CounterpartUserID: c.Param("peer"),
		Limit:             limit,
	})
	if err != nil {
		ce, _ := errs.As(err)
		status := http.StatusInternalServerError
		if ce.Code == errs.InvalidError {
			status = http.StatusBadRequest
		}
		c.JSON(status, NewOperationError(OpLoadConversation, err))
		return
	}
	c.JSON(http.StatusOK, Conversation{PeerID: c.Param("peer"), Messages: msgs})
}

// Healthz GET /healthz
func (s *Server) Healthz(c *gin.Context) {
	users, conns := s.hub.reg.Count()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "users": users, "connections": conns})
}
