package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func status(t *testing.T, h *Hub, identity string) types.PresenceStatus {
	t.Helper()
	p, err := h.Presence.GetStatus(context.Background(), identity)
	require.NoError(t, err)
	return p.Status
}

func TestPresenceGraceWindow(t *testing.T) {
	h, _ := newTestHub(t, nil)

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice", "bob"}, Conversation: true})
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	join(t, h, alice, "general")
	join(t, h, bob, "general")
	drain(bob)

	assert.Equal(t, types.StatusOnline, status(t, h, "alice"))

	t.Run("reconnect inside grace does not flap", func(t *testing.T) {
		h.Gateway.Disconnect(alice)
		assert.True(t, alice.closed())
		assert.True(t, h.Gateway.Online("alice"))

		time.Sleep(20 * time.Millisecond)
		alice = connect(t, h, "alice")

		evt := expectEvent(t, alice, EventSessionRestored)
		assert.Equal(t, RestoredEvent{Rooms: []string{"general"}}, evt.Data)
		assert.True(t, alice.inRoom("general"))

		expectNoEvent(t, bob, EventPresenceChanged, 2*h.opts.GracePeriod)
		expectNoEvent(t, bob, EventMemberLeft, time.Millisecond)
		assert.Equal(t, types.StatusOnline, status(t, h, "alice"))
	})

	t.Run("offline after grace expires", func(t *testing.T) {
		h.Gateway.Disconnect(alice)

		evt := expectEvent(t, bob, EventPresenceChanged)
		change := evt.Data.(PresenceEvent)
		assert.Equal(t, "alice", change.Identity)
		assert.Equal(t, types.StatusOffline, change.Status)

		assert.Equal(t, types.StatusOffline, status(t, h, "alice"))
		assert.False(t, h.Gateway.Online("alice"))
	})

	t.Run("reconnect after expiry announces online", func(t *testing.T) {
		got := make(chan types.Presence, 4)
		unsubscribe := h.Presence.Subscribe("general", func(p types.Presence) { got <- p })
		defer unsubscribe()
		drain(bob)

		alice = connect(t, h, "alice")
		expectNoEvent(t, alice, EventSessionRestored, 20*time.Millisecond)

		evt := expectEvent(t, bob, EventPresenceChanged)
		change := evt.Data.(PresenceEvent)
		assert.Equal(t, "alice", change.Identity)
		assert.Equal(t, types.StatusOnline, change.Status)

		select {
		case p := <-got:
			assert.Equal(t, "alice", p.Identity)
			assert.Equal(t, types.StatusOnline, p.Status)
		case <-time.After(eventWait):
			t.Fatal("callback not called")
		}

		join(t, h, alice, "general")
		_, err := h.Presence.SetStatus("alice", types.StatusBusy)
		require.NoError(t, err)
		evt = expectEvent(t, bob, EventPresenceChanged)
		assert.Equal(t, types.StatusBusy, evt.Data.(PresenceEvent).Status)
	})
}

func TestPresenceRestoresCallSeat(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob")
	h.Gateway.Disconnect(sessions["alice"])

	alice := connect(t, h, "alice")
	evt := expectEvent(t, alice, EventSessionRestored)
	assert.Equal(t, call.Id, evt.Data.(RestoredEvent).CallId)
	assert.Equal(t, call.Id, alice.Call())

	_, err := h.Signals.Relay(ctx, call.Id, "bob", "alice", types.SignalOffer, offer)
	assert.NoError(t, err)
}

func TestReconnectWhileReleasingKeepsSeats(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob")
	old := sessions["alice"]
	join(t, h, old, "studio")
	_, err := h.Presence.SetStatus("alice", types.StatusBusy)
	require.NoError(t, err)

	rooms, callId, last, ok := h.Gateway.release(old)
	require.True(t, ok)
	require.True(t, last)

	// a new session shows up before the grace period is armed
	alice := connect(t, h, "alice")
	h.Gateway.startGrace(old, &pendingRestore{rooms: rooms, call: callId})

	evt := expectEvent(t, alice, EventSessionRestored)
	assert.Equal(t, RestoredEvent{Rooms: []string{"studio"}, CallId: call.Id}, evt.Data)
	assert.True(t, alice.inRoom("studio"))
	assert.Equal(t, call.Id, alice.Call())
	assert.Equal(t, types.StatusBusy, status(t, h, "alice"))

	time.Sleep(2 * h.opts.GracePeriod)
	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.Contains(t, got.Participants, "alice")
	assert.Equal(t, types.StatusBusy, status(t, h, "alice"))
}

func TestReconnectedSessionGoneBeforeHandoffReleasesSeat(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob")
	rooms, callId, _, ok := h.Gateway.release(sessions["alice"])
	require.True(t, ok)

	alice := connect(t, h, "alice")
	alice.stopSession()
	h.Gateway.startGrace(sessions["alice"], &pendingRestore{rooms: rooms, call: callId})

	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.NotContains(t, got.Participants, "alice")
}

func TestCallSeatReleasedAfterGrace(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob")
	h.Gateway.Disconnect(sessions["alice"])

	assert.Eventually(t, func() bool {
		got, err := h.Calls.Get(ctx, call.Id)
		return err == nil && len(got.Participants) == 1
	}, time.Second, 20*time.Millisecond)
}

func TestPresenceMultipleSessions(t *testing.T) {
	h, _ := newTestHub(t, nil)

	laptop := connect(t, h, "alice")
	phone := connect(t, h, "alice")
	assert.Len(t, h.Gateway.SessionsFor("alice"), 2)

	h.Gateway.Disconnect(laptop)
	assert.Len(t, h.Gateway.SessionsFor("alice"), 1)

	time.Sleep(2 * h.opts.GracePeriod)
	assert.Equal(t, types.StatusOnline, status(t, h, "alice"))

	h.Gateway.Disconnect(phone)
	assert.Eventually(t, func() bool {
		return status(t, h, "alice") == types.StatusOffline
	}, time.Second, 20*time.Millisecond)
}

func TestSetStatus(t *testing.T) {
	h, _ := newTestHub(t, nil)

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice", "bob"}})
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	join(t, h, alice, "general")
	join(t, h, bob, "general")

	p, err := h.Presence.SetStatus("alice", types.StatusBusy)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBusy, p.Status)

	evt := expectEvent(t, bob, EventPresenceChanged)
	assert.Equal(t, types.StatusBusy, evt.Data.(PresenceEvent).Status)

	tests := []struct {
		name     string
		identity string
		status   types.PresenceStatus
	}{
		{"offline is not settable", "alice", types.StatusOffline},
		{"unknown status", "alice", "sleepy"},
		{"identity not connected", "nobody", types.StatusAway},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Presence.SetStatus(tc.identity, tc.status)
			assert.Equal(t, KindInvalidInput, KindOf(err))
		})
	}

	// an explicit away is not undone by activity
	_, err = h.Presence.SetStatus("alice", types.StatusAway)
	require.NoError(t, err)
	h.Presence.Touch("alice")
	assert.Equal(t, types.StatusAway, status(t, h, "alice"))
}

func TestSweepIdle(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.IdleTimeout = 50 * time.Millisecond })

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice", "bob"}})
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	join(t, h, alice, "general")
	join(t, h, bob, "general")
	drain(bob)

	time.Sleep(100 * time.Millisecond)
	h.Presence.Touch("bob")
	h.Presence.SweepIdle()

	assert.Equal(t, types.StatusAway, status(t, h, "alice"))
	assert.Equal(t, types.StatusOnline, status(t, h, "bob"))
	evt := expectEvent(t, bob, EventPresenceChanged)
	assert.Equal(t, types.StatusAway, evt.Data.(PresenceEvent).Status)

	h.Presence.Touch("alice")
	assert.Equal(t, types.StatusOnline, status(t, h, "alice"))
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	h, repo := newTestHub(t, nil)
	ctx := context.Background()

	seen := Now().Add(-time.Hour)
	require.NoError(t, repo.UpsertPresence(ctx, types.Presence{Identity: "zed", Status: types.StatusOnline, LastSeenAt: seen}))

	p, err := h.Presence.GetStatus(ctx, "zed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, p.Status)
	assert.True(t, seen.Equal(p.LastSeenAt))

	p, err = h.Presence.GetStatus(ctx, "never-seen")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, p.Status)
}

func TestPresencePersisted(t *testing.T) {
	h, repo := newTestHub(t, nil)
	ctx := context.Background()

	connect(t, h, "alice")
	h.Presence.SetCurrentRoom("alice", "general")

	assert.Eventually(t, func() bool {
		p, err := repo.GetPresence(ctx, "alice")
		return err == nil && p.Status == types.StatusOnline && p.CurrentRoom == "general"
	}, time.Second, 10*time.Millisecond)
}

func TestGetMany(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	connect(t, h, "alice")

	got, err := h.Presence.GetMany(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.StatusOnline, got[0].Status)
	assert.Equal(t, types.StatusOffline, got[1].Status)

	ids := make([]string, maxPresenceBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("user%d", i)
	}
	_, err = h.Presence.GetMany(ctx, ids)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestPresenceSubscribe(t *testing.T) {
	h, _ := newTestHub(t, nil)

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice"}})
	alice := connect(t, h, "alice")
	join(t, h, alice, "general")

	got := make(chan types.Presence, 4)
	unsubscribe := h.Presence.Subscribe("general", func(p types.Presence) { got <- p })

	_, err := h.Presence.SetStatus("alice", types.StatusBusy)
	require.NoError(t, err)
	select {
	case p := <-got:
		assert.Equal(t, types.StatusBusy, p.Status)
	case <-time.After(eventWait):
		t.Fatal("callback not called")
	}

	unsubscribe()
	_, err = h.Presence.SetStatus("alice", types.StatusOnline)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGatewaySendAndBroadcast(t *testing.T) {
	h, _ := newTestHub(t, nil)

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice", "bob"}})
	alice := connect(t, h, "alice")
	bob := connect(t, h, "bob")
	join(t, h, alice, "general")
	join(t, h, bob, "general")
	drain(alice)
	drain(bob)

	assert.True(t, h.Gateway.Send(alice.Id(), Event(EventTyping, nil)))
	assert.False(t, h.Gateway.Send("missing", Event(EventTyping, nil)))
	expectEvent(t, alice, EventTyping)

	h.Gateway.Broadcast("general", Event(EventReaction, nil), alice.Id())
	expectEvent(t, bob, EventReaction)
	expectNoEvent(t, alice, EventReaction, 20*time.Millisecond)

	assert.ElementsMatch(t, []string{"general"}, h.Gateway.RoomsOf("bob"))
}

func TestSlowSessionClosed(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.SendBuffer = 2 })
	ctx := context.Background()

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Members: []string{"alice", "bob"}, Conversation: true})
	alice := connect(t, h, "alice")
	slow := connect(t, h, "bob")
	join(t, h, alice, "general")
	join(t, h, slow, "general")

	for i := 0; i < 5; i++ {
		_, err := h.Relay.Publish(ctx, "general", "alice", "hi", "")
		require.NoError(t, err)
		drain(alice)
	}

	assert.True(t, slow.closed())
	assert.False(t, alice.closed())
}
