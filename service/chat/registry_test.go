package chat

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_PresenceEdges(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	a, b := newFakeConn("u1"), newFakeConn("u1")

	// Given the first connection, presence flips 0→1
	req.True(r.Register("u1", a))
	// A second connection emits nothing
	req.False(r.Register("u1", b))
	req.Len(r.ConnectionsFor("u1"), 2)

	// Dropping one keeps the user online
	req.False(r.Unregister("u1", a.ID()))
	req.True(r.IsOnline("u1"))

	// Dropping the last flips 1→0 and prunes the entry
	req.True(r.Unregister("u1", b.ID()))
	req.False(r.IsOnline("u1"))
	req.Empty(r.OnlineUsers())

	// Duplicate disconnect is a no-op
	req.False(r.Unregister("u1", b.ID()))
	req.False(r.Unregister("nobody", "x"))
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()
	a := newFakeConn("u1")
	r.Register("u1", a)

	snap := r.ConnectionsFor("u1")
	r.Unregister("u1", a.ID())

	req.Len(snap, 1)
	req.Empty(r.ConnectionsFor("u1"))
	req.NotNil(r.ConnectionsFor("u1"))
}

func TestRegistry_Count(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", newFakeConn("u1"))
	r.Register("u1", newFakeConn("u1"))
	r.Register("u2", newFakeConn("u2"))

	users, conns := r.Count()
	require.Equal(t, 2, users)
	require.Equal(t, 3, conns)
	require.ElementsMatch(t, []string{"u1", "u2"}, r.OnlineUsers())
}

func TestRegistry_ConcurrentTransitions(t *testing.T) {
	req := require.New(t)
	r := NewRegistry()

	const n = 64
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn("u1")
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		online, offline int
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			if r.Register("u1", c) {
				mu.Lock()
				online++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	req.Equal(1, online)

	for _, c := range conns {
		wg.Add(2)
		go func(c *fakeConn) {
			defer wg.Done()
			if r.Unregister("u1", c.ID()) {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}(c)
		// 重复的断开事件
		go func(c *fakeConn) {
			defer wg.Done()
			if r.Unregister("u1", c.ID()) {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	req.Equal(1, offline)
	req.False(r.IsOnline("u1"))
}
