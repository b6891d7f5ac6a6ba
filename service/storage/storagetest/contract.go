// Package storagetest 各存储后端共用的行为用例
package storagetest

import (
	"context"
	"sync"
	"testing"

	"dmchat/service/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Factory 每个用例一个干净的 store
type Factory func(t *testing.T) storage.MessageStore

func Run(t *testing.T, newStore Factory) {
	t.Run("lifecycle", func(t *testing.T) { lifecycle(t, newStore(t)) })
	t.Run("not found", func(t *testing.T) { notFound(t, newStore(t)) })
	t.Run("mark read", func(t *testing.T) { markRead(t, newStore(t)) })
	t.Run("conversation window", func(t *testing.T) { conversationWindow(t, newStore(t)) })
	t.Run("concurrent delete", func(t *testing.T) { concurrentDelete(t, newStore(t)) })
}

func lifecycle(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := uuid.NewString(), uuid.NewString()

	m, err := s.Create(ctx, alice, bob, "hello")
	req.NoError(err)

	edited, err := s.UpdateContent(ctx, m.ID, "hello again")
	req.NoError(err)
	req.Equal("hello again", edited.Content)
	req.NotNil(edited.EditedAt)
	req.False(edited.EditedAt.Before(edited.SentAt))

	receiver, err := s.Tombstone(ctx, m.ID)
	req.NoError(err)
	req.Equal(bob, receiver)

	got, err := s.FindByID(ctx, m.ID)
	req.NoError(err)
	req.True(got.Deleted)
	req.Empty(got.Content)
	req.NotNil(got.DeletedAt)

	_, err = s.UpdateContent(ctx, m.ID, "zombie")
	req.ErrorIs(err, storage.ErrNotFound)
}

func notFound(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	_, err := s.FindByID(ctx, 42)
	req.ErrorIs(err, storage.ErrNotFound)
	_, err = s.Tombstone(ctx, 42)
	req.ErrorIs(err, storage.ErrNotFound)
}

func markRead(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := uuid.NewString(), uuid.NewString()

	_, err := s.Create(ctx, alice, bob, "1")
	req.NoError(err)
	gone, err := s.Create(ctx, alice, bob, "2")
	req.NoError(err)
	_, err = s.Tombstone(ctx, gone.ID)
	req.NoError(err)

	n, err := s.MarkRead(ctx, alice, bob)
	req.NoError(err)
	req.Equal(int64(1), n)

	n, err = s.MarkRead(ctx, alice, bob)
	req.NoError(err)
	req.Zero(n)
}

func conversationWindow(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()
	alice, bob := uuid.NewString(), uuid.NewString()

	var ids []int64
	for i := 0; i < 4; i++ {
		from, to := alice, bob
		if i%2 == 1 {
			from, to = bob, alice
		}
		m, err := s.Create(ctx, from, to, "m")
		req.NoError(err)
		ids = append(ids, m.ID)
	}

	got, err := s.Conversation(ctx, alice, bob, 2)
	req.NoError(err)
	req.Len(got, 2)
	req.Equal(ids[2], got[0].ID)
	req.Equal(ids[3], got[1].ID)
}

func concurrentDelete(t *testing.T, s storage.MessageStore) {
	req := require.New(t)
	ctx := context.Background()

	m, err := s.Create(ctx, uuid.NewString(), uuid.NewString(), "x")
	req.NoError(err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Tombstone(ctx, m.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	req.Equal(1, ok)
}
