package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "dmchat/middleware/security"
	"dmchat/service/identity"
	"dmchat/service/storage"
	"dmchat/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// 测试用：token 即用户 ID
var tokenIsUser = identity.ResolverFunc(func(c identity.Credentials) (string, error) {
	if _, err := uuid.Parse(c.Token); err != nil {
		return "", errs.ErrUnauthenticated.Wrap()
	}
	return c.Token, nil
})

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	srv := NewServer(NewHub(storage.NewMemoryStore(nil), reg, NewDispatcher(reg)), ServerConfig{SendQueueSize: 16})
	auth := midsec.Middleware(midsec.DefaultOptions(tokenIsUser))

	r := gin.New()
	r.GET("/chat", auth, srv.HandleWS)
	r.GET("/api/conversations/:peer", auth, srv.HandleConversation)
	r.GET("/healthz", srv.Healthz)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat?access_token=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next 读取下一条指定事件，跳过其它事件
func next(t *testing.T, ws *websocket.Conn, name string) Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Name == name {
			return ev
		}
	}
}

func TestServer_RejectsUnauthenticatedUpgrade(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat?access_token=bad"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_EndToEnd(t *testing.T) {
	req := require.New(t)
	ts, srv := newTestServer(t)
	alice, bob := uuid.NewString(), uuid.NewString()

	wa := dial(t, ts, alice)
	next(t, wa, EventOnlineUsers)
	wb := dial(t, ts, bob)
	next(t, wb, EventOnlineUsers)

	online := next(t, wa, EventUserOnline)
	req.Equal(bob, dataAs[UserRef](t, online).UserID)

	// bob → alice
	req.NoError(wb.WriteJSON(InboundFrame{ID: "1", Op: OpSendMessage, Args: map[string]any{
		"receiverId": alice, "content": "hello",
	}}))
	got := next(t, wa, EventReceivedMessage)
	req.Equal("hello", dataAs[storage.Message](t, got).Content)
	ack := next(t, wb, EventMessageAcknowledged)
	req.Equal("1", ack.Ref)

	// an invalid op keeps the connection open
	req.NoError(wb.WriteJSON(InboundFrame{ID: "2", Op: "Nope"}))
	oe := next(t, wb, EventOperationError)
	req.Equal(errs.InvalidError, dataAs[OperationError](t, oe).Code)

	// history over HTTP
	httpReq, err := http.NewRequest(http.MethodGet, ts.URL+"/api/conversations/"+bob, nil)
	req.NoError(err)
	httpReq.Header.Set("Authorization", "Bearer "+alice)
	resp, err := http.DefaultClient.Do(httpReq)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	var conv Conversation
	req.NoError(json.NewDecoder(resp.Body).Decode(&conv))
	req.Len(conv.Messages, 1)

	// bob leaves → alice sees UserOffline
	req.NoError(wb.Close())
	off := next(t, wa, EventUserOffline)
	req.Equal(bob, dataAs[UserRef](t, off).UserID)
	req.Eventually(func() bool {
		users, _ := srv.Hub().Registry().Count()
		return users == 1
	}, 2*time.Second, 20*time.Millisecond)
}
