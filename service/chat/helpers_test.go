package chat

import (
	"encoding/json"
	"sync"
	"testing"

	"dmchat/service/storage"
	"dmchat/tools/errs"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// fakeConn 记录收到的事件
type fakeConn struct {
	id, user string

	mu     sync.Mutex
	frames []Event
	raw    [][]byte
	closed bool
}

func newFakeConn(user string) *fakeConn {
	return &fakeConn{id: uuid.NewString(), user: user}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errs.ErrTransportFailure.Wrap()
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	c.frames = append(c.frames, ev)
	c.raw = append(c.raw, payload)
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) events(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.frames {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames, c.raw = nil, nil
	c.mu.Unlock()
}

// dataAs 把 Event.Data（解码后是 map）转成具体类型
func dataAs[T any](t *testing.T, ev Event) T {
	t.Helper()
	b, err := json.Marshal(ev.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

type fixture struct {
	store *storage.MemoryStore
	reg   *Registry
	disp  *Dispatcher
	hub   *Hub
}

func newFixture(t *testing.T, opts ...HubOption) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(nil)
	reg := NewRegistry()
	disp := NewDispatcher(reg)
	return &fixture{store: store, reg: reg, disp: disp, hub: NewHub(store, reg, disp, opts...)}
}

// connect 建立一个已激活的会话
func (f *fixture) connect(t *testing.T, user string) (*Session, *fakeConn) {
	t.Helper()
	c := newFakeConn(user)
	s := NewSession(c)
	require.NoError(t, f.hub.OnConnect(testContext(t), s))
	return s, c
}
