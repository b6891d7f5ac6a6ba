package chat

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"dmchat/service/storage"
	"dmchat/service/storage/mocks"
	"dmchat/tools/errs"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestHub_MultiDeviceScenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	u1, u2 := uuid.NewString(), uuid.NewString()

	// Given U1 on two devices, then U2 on one
	s1a, c1a := f.connect(t, u1)
	s1b, c1b := f.connect(t, u1)
	s2, c2 := f.connect(t, u2)

	// Then both U1 connections see U2 come online
	for _, c := range []*fakeConn{c1a, c1b} {
		online := c.events(EventUserOnline)
		req.Len(online, 1)
		req.Equal(u2, dataAs[UserRef](t, online[0]).UserID)
	}
	// And U2's snapshot lists U1
	snap := c2.events(EventOnlineUsers)
	req.Len(snap, 1)
	req.Equal([]string{u1}, dataAs[OnlineUsers](t, snap[0]).UserIDs)

	// When U2 sends "hi" to U1
	m, err := f.hub.SendMessage(ctx, Call{Session: s2, Ref: "r1"}, SendMessageRequest{ReceiverID: u1, Content: "hi"})
	req.NoError(err)

	// Then both U1 connections receive it and U2 gets exactly one ack
	for _, c := range []*fakeConn{c1a, c1b} {
		got := c.events(EventReceivedMessage)
		req.Len(got, 1)
		req.Equal("hi", dataAs[storage.Message](t, got[0]).Content)
	}
	acks := c2.events(EventMessageAcknowledged)
	req.Len(acks, 1)
	req.Equal("r1", acks[0].Ref)
	req.Equal(m.ID, dataAs[MessageAck](t, acks[0]).Message.ID)
	req.Empty(c2.events(EventReceivedMessage))

	// When U2 edits it
	_, err = f.hub.EditMessage(ctx, Call{Session: s2}, EditMessageRequest{MessageID: m.ID, NewContent: "hi there"})
	req.NoError(err)

	// Then all three connections see the edit
	for _, c := range []*fakeConn{c1a, c1b, c2} {
		got := c.events(EventMessageEdited)
		req.Len(got, 1)
		edited := dataAs[MessageEdited](t, got[0])
		req.Equal(m.ID, edited.MessageID)
		req.Equal("hi there", edited.Content)
	}

	// When U1's first device disconnects, U2 hears nothing
	f.hub.OnDisconnect(ctx, s1a, nil)
	req.Empty(c2.events(EventUserOffline))

	// When the last one goes, U2 hears UserOffline(U1)
	f.hub.OnDisconnect(ctx, s1b, nil)
	off := c2.events(EventUserOffline)
	req.Len(off, 1)
	req.Equal(u1, dataAs[UserRef](t, off[0]).UserID)

	// Duplicate disconnect is harmless
	f.hub.OnDisconnect(ctx, s1b, nil)
	req.Len(c2.events(EventUserOffline), 1)
}

func TestHub_SendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	me := uuid.NewString()
	s, _ := f.connect(t, me)

	cases := map[string]SendMessageRequest{
		"empty content":     {ReceiverID: uuid.NewString(), Content: "   "},
		"too long":          {ReceiverID: uuid.NewString(), Content: strings.Repeat("a", MaxContentLength+1)},
		"malformed user":    {ReceiverID: "not-a-uuid", Content: "x"},
		"missing receiver":  {Content: "x"},
		"message to myself": {ReceiverID: me, Content: "x"},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.hub.SendMessage(testContext(t), Call{Session: s}, r)
			require.Equal(t, errs.InvalidError, errs.CodeOf(err))
		})
	}

	// exactly MaxContentLength runes is accepted
	_, err := f.hub.SendMessage(testContext(t), Call{Session: s}, SendMessageRequest{
		ReceiverID: uuid.NewString(),
		Content:    strings.Repeat("字", MaxContentLength),
	})
	require.NoError(t, err)
}

func TestHub_SendMessage_TrimsContent(t *testing.T) {
	f := newFixture(t)
	s, _ := f.connect(t, uuid.NewString())

	m, err := f.hub.SendMessage(testContext(t), Call{Session: s}, SendMessageRequest{ReceiverID: uuid.NewString(), Content: "  hello \n"})
	require.NoError(t, err)
	require.Equal(t, "hello", m.Content)
}

func TestHub_RequiresActiveSession(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)

	// never connected
	idle := NewSession(newFakeConn(uuid.NewString()))
	_, err := f.hub.SendMessage(ctx, Call{Session: idle}, SendMessageRequest{ReceiverID: uuid.NewString(), Content: "x"})
	req.Equal(errs.UnauthenticatedError, errs.CodeOf(err))

	// closed
	s, _ := f.connect(t, uuid.NewString())
	f.hub.OnDisconnect(ctx, s, nil)
	err = f.hub.DeleteMessage(ctx, Call{Session: s}, DeleteMessageRequest{MessageID: 1})
	req.Equal(errs.UnauthenticatedError, errs.CodeOf(err))

	// anonymous connections are refused at connect
	req.Equal(errs.UnauthenticatedError, errs.CodeOf(f.hub.OnConnect(ctx, NewSession(newFakeConn("")))))
}

func TestHub_EditMessage_NonOwner(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	sa, _ := f.connect(t, alice)
	sb, cb := f.connect(t, bob)

	m, err := f.hub.SendMessage(ctx, Call{Session: sa}, SendMessageRequest{ReceiverID: bob, Content: "original"})
	req.NoError(err)
	cb.reset()

	// When the receiver tries to edit
	_, err = f.hub.EditMessage(ctx, Call{Session: sb}, EditMessageRequest{MessageID: m.ID, NewContent: "hijack"})

	// Then it is Forbidden, nothing is persisted and nothing fans out
	req.Equal(errs.ForbiddenError, errs.CodeOf(err))
	got, err := f.store.FindByID(ctx, m.ID)
	req.NoError(err)
	req.Equal("original", got.Content)
	req.Nil(got.EditedAt)
	req.Empty(cb.events(EventMessageEdited))

	req.Equal(errs.ForbiddenError, errs.CodeOf(f.hub.DeleteMessage(ctx, Call{Session: sb}, DeleteMessageRequest{MessageID: m.ID})))
}

func TestHub_EditMessage_Errors(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	bob := uuid.NewString()
	s, _ := f.connect(t, uuid.NewString())

	_, err := f.hub.EditMessage(ctx, Call{Session: s}, EditMessageRequest{MessageID: 12345, NewContent: "x"})
	req.Equal(errs.NotFoundError, errs.CodeOf(err))

	m, err := f.hub.SendMessage(ctx, Call{Session: s}, SendMessageRequest{ReceiverID: bob, Content: "x"})
	req.NoError(err)

	_, err = f.hub.EditMessage(ctx, Call{Session: s}, EditMessageRequest{MessageID: m.ID, NewContent: "  "})
	req.Equal(errs.InvalidError, errs.CodeOf(err))

	// edit after delete
	req.NoError(f.hub.DeleteMessage(ctx, Call{Session: s}, DeleteMessageRequest{MessageID: m.ID}))
	_, err = f.hub.EditMessage(ctx, Call{Session: s}, EditMessageRequest{MessageID: m.ID, NewContent: "back"})
	req.Equal(errs.NotFoundError, errs.CodeOf(err))
	req.Equal(errs.NotFoundError, errs.CodeOf(f.hub.DeleteMessage(ctx, Call{Session: s}, DeleteMessageRequest{MessageID: m.ID})))
}

func TestHub_DeleteMessage_Tombstones(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	sa, ca := f.connect(t, alice)
	_, cb := f.connect(t, bob)

	m, err := f.hub.SendMessage(ctx, Call{Session: sa}, SendMessageRequest{ReceiverID: bob, Content: "oops"})
	req.NoError(err)

	req.NoError(f.hub.DeleteMessage(ctx, Call{Session: sa}, DeleteMessageRequest{MessageID: m.ID}))

	got, err := f.store.FindByID(ctx, m.ID)
	req.NoError(err)
	req.True(got.Deleted)
	req.Empty(got.Content)
	for _, c := range []*fakeConn{ca, cb} {
		ev := c.events(EventMessageDeleted)
		req.Len(ev, 1)
		req.Equal(m.ID, dataAs[MessageDeleted](t, ev[0]).MessageID)
	}
}

func TestHub_MarkAsRead(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	sa, ca := f.connect(t, alice)
	sb, _ := f.connect(t, bob)

	for i := 0; i < 3; i++ {
		_, err := f.hub.SendMessage(ctx, Call{Session: sa}, SendMessageRequest{ReceiverID: bob, Content: strconv.Itoa(i)})
		req.NoError(err)
	}

	// bob reads alice's messages twice
	f.hub.MarkAsRead(ctx, Call{Session: sb}, MarkAsReadRequest{CounterpartUserID: alice})
	first, err := f.store.Conversation(ctx, alice, bob, 0)
	req.NoError(err)
	f.hub.MarkAsRead(ctx, Call{Session: sb}, MarkAsReadRequest{CounterpartUserID: alice})
	second, err := f.store.Conversation(ctx, alice, bob, 0)
	req.NoError(err)

	req.Equal(first, second)
	for _, m := range second {
		req.True(m.IsRead())
	}
	reads := ca.events(EventMessagesRead)
	req.Len(reads, 2)
	req.Equal(bob, dataAs[UserRef](t, reads[0]).UserID)
}

func TestHub_Typing(t *testing.T) {
	f := newFixture(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	sa, _ := f.connect(t, alice)
	_, cb := f.connect(t, bob)

	f.hub.Typing(testContext(t), Call{Session: sa}, TypingRequest{ReceiverID: bob})
	// malformed receiver is swallowed
	f.hub.Typing(testContext(t), Call{Session: sa}, TypingRequest{ReceiverID: "??"})

	ev := cb.events(EventUserTyping)
	require.Len(t, ev, 1)
	require.Equal(t, alice, dataAs[UserRef](t, ev[0]).UserID)
}

func TestHub_LoadConversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := testContext(t)
	alice, bob := uuid.NewString(), uuid.NewString()
	sa, ca := f.connect(t, alice)

	for i := 0; i < 5; i++ {
		_, err := f.hub.SendMessage(ctx, Call{Session: sa}, SendMessageRequest{ReceiverID: bob, Content: strconv.Itoa(i)})
		req.NoError(err)
	}

	msgs, err := f.hub.LoadConversation(ctx, Call{Session: sa, Ref: "h"}, LoadConversationRequest{CounterpartUserID: bob, Limit: 2})
	req.NoError(err)
	req.Len(msgs, 2)
	req.Equal("3", msgs[0].Content)
	req.Equal("4", msgs[1].Content)

	ev := ca.events(EventConversation)
	req.Len(ev, 1)
	req.Equal("h", ev[0].Ref)
	req.Len(dataAs[Conversation](t, ev[0]).Messages, 2)
}

type recordingPresence struct {
	online, offline []string
}

func (p *recordingPresence) Online(_ context.Context, u string) error {
	p.online = append(p.online, u)
	return nil
}

func (p *recordingPresence) Offline(_ context.Context, u string) error {
	p.offline = append(p.offline, u)
	return errors.New("redis down")
}

type recordingAuditor struct {
	events []storage.LifecycleEvent
}

func (a *recordingAuditor) Emit(_ context.Context, ev storage.LifecycleEvent) {
	a.events = append(a.events, ev)
}

func TestHub_PresenceMirrorAndAudit(t *testing.T) {
	req := require.New(t)
	p := &recordingPresence{}
	a := &recordingAuditor{}
	f := newFixture(t, WithPresence(p), WithAuditor(a))
	ctx := testContext(t)
	alice, bob := uuid.NewString(), uuid.NewString()

	s1, _ := f.connect(t, alice)
	s2, _ := f.connect(t, alice)
	req.Equal([]string{alice}, p.online)

	m, err := f.hub.SendMessage(ctx, Call{Session: s1}, SendMessageRequest{ReceiverID: bob, Content: "x"})
	req.NoError(err)
	_, err = f.hub.EditMessage(ctx, Call{Session: s1}, EditMessageRequest{MessageID: m.ID, NewContent: "y"})
	req.NoError(err)
	req.NoError(f.hub.DeleteMessage(ctx, Call{Session: s1}, DeleteMessageRequest{MessageID: m.ID}))

	kinds := make([]string, 0, len(a.events))
	for _, ev := range a.events {
		kinds = append(kinds, ev.Kind)
		req.Equal(storage.DMKey(alice, bob), ev.ConversationKey())
	}
	req.Equal([]string{storage.LifecycleCreated, storage.LifecycleEdited, storage.LifecycleDeleted}, kinds)

	// mirror failure on offline never blocks deregistration
	f.hub.OnDisconnect(ctx, s1, nil)
	f.hub.OnDisconnect(ctx, s2, nil)
	req.Equal([]string{alice}, p.offline)
	req.False(f.reg.IsOnline(alice))
}

func TestHub_StoreFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockMessageStore(ctrl)
	reg := NewRegistry()
	hub := NewHub(store, reg, NewDispatcher(reg))
	me, peer := uuid.NewString(), uuid.NewString()
	c := newFakeConn(me)
	s := NewSession(c)
	require.NoError(t, hub.OnConnect(testContext(t), s))

	t.Run("send maps to DeliveryFailed", func(t *testing.T) {
		store.EXPECT().Create(gomock.Any(), me, peer, "hi").Return(nil, errors.New("disk full"))

		_, err := hub.SendMessage(testContext(t), Call{Session: s}, SendMessageRequest{ReceiverID: peer, Content: "hi"})

		require.Equal(t, errs.DeliveryFailedError, errs.CodeOf(err))
		require.Empty(t, c.events(EventMessageAcknowledged))
	})

	t.Run("mark read failure is swallowed", func(t *testing.T) {
		store.EXPECT().MarkRead(gomock.Any(), peer, me).Return(int64(0), errors.New("timeout"))

		hub.MarkAsRead(testContext(t), Call{Session: s}, MarkAsReadRequest{CounterpartUserID: peer})
	})

	t.Run("edit loses race with delete", func(t *testing.T) {
		m := &storage.Message{ID: 7, SenderID: me, ReceiverID: peer, Content: "x"}
		gomock.InOrder(
			store.EXPECT().FindByID(gomock.Any(), int64(7)).Return(m, nil),
			store.EXPECT().UpdateContent(gomock.Any(), int64(7), "y").Return(nil, storage.ErrNotFound),
		)

		_, err := hub.EditMessage(testContext(t), Call{Session: s}, EditMessageRequest{MessageID: 7, NewContent: "y"})

		require.Equal(t, errs.NotFoundError, errs.CodeOf(err))
	})

	t.Run("forbidden never reaches update", func(t *testing.T) {
		m := &storage.Message{ID: 8, SenderID: peer, ReceiverID: me, Content: "x"}
		store.EXPECT().FindByID(gomock.Any(), int64(8)).Return(m, nil)

		_, err := hub.EditMessage(testContext(t), Call{Session: s}, EditMessageRequest{MessageID: 8, NewContent: "y"})

		require.Equal(t, errs.ForbiddenError, errs.CodeOf(err))
	})
}
