package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var offer = json.RawMessage(`{"sdp":"v=0"}`)

// liveCall sets up a live call in room "studio" with the given participants
// joined, one session each.
func liveCall(t *testing.T, h *Hub, host string, identities ...string) (types.GroupCall, map[string]*Session) {
	t.Helper()
	ctx := context.Background()

	createRoom(t, h, database.CreateRoomParams{
		Id:           "studio",
		Name:         "Studio",
		IsPrivate:    true,
		Members:      append([]string{host}, identities...),
		Conversation: true,
	})

	call, err := h.Calls.Create(ctx, host, "studio")
	require.NoError(t, err)
	call, err = h.Calls.Activate(ctx, call.Id, host)
	require.NoError(t, err)

	sessions := make(map[string]*Session)
	for _, id := range identities {
		s := connect(t, h, id)
		_, err := h.Calls.Join(ctx, call.Id, s)
		require.NoError(t, err)
		sessions[id] = s
	}
	for _, s := range sessions {
		drain(s)
	}
	return call, sessions
}

func TestCallLifecycle(t *testing.T) {
	h, repo := newTestHub(t, nil)
	ctx := context.Background()

	createRoom(t, h, database.CreateRoomParams{Id: "studio", Name: "Studio", Members: []string{"host", "guest"}, Conversation: true})
	hostSession := connect(t, h, "host")
	guestSession := connect(t, h, "guest")
	join(t, h, hostSession, "studio")
	join(t, h, guestSession, "studio")

	call, err := h.Calls.Create(ctx, "host", "studio")
	require.NoError(t, err)
	assert.Equal(t, types.CallScheduled, call.Status)
	assert.NotEmpty(t, call.Id)

	_, err = h.Calls.Activate(ctx, call.Id, "guest")
	assert.ErrorIs(t, err, ErrNotHost)

	call, err = h.Calls.Activate(ctx, call.Id, "host")
	require.NoError(t, err)
	assert.Equal(t, types.CallLive, call.Status)
	require.NotNil(t, call.StartedAt)

	evt := expectEvent(t, guestSession, EventCallState)
	assert.Equal(t, types.CallLive, evt.Data.(CallStateEvent).Status)

	_, err = h.Calls.Join(ctx, call.Id, hostSession)
	require.NoError(t, err)
	call, err = h.Calls.Join(ctx, call.Id, guestSession)
	require.NoError(t, err)
	assert.Equal(t, []string{"guest", "host"}, call.Participants)
	assert.Equal(t, call.Id, guestSession.Call())

	stored, err := repo.GetCall(ctx, call.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"guest", "host"}, stored.Participants)

	_, err = h.Signals.Relay(ctx, call.Id, "host", "guest", types.SignalOffer, offer)
	require.NoError(t, err)
	sig := expectEvent(t, guestSession, EventSignal)
	assert.Equal(t, SignalEvent{CallId: call.Id, From: "host", Kind: types.SignalOffer, Payload: offer}, sig.Data)

	require.NoError(t, h.Calls.Leave(ctx, call.Id, "guest"))
	assert.Empty(t, guestSession.Call())
	assert.ErrorIs(t, h.Calls.Leave(ctx, call.Id, "guest"), ErrNotParticipant)

	_, err = h.Calls.End(ctx, call.Id, "guest")
	assert.ErrorIs(t, err, ErrNotHost)

	drain(guestSession)

	call, err = h.Calls.End(ctx, call.Id, "host")
	require.NoError(t, err)
	assert.Equal(t, types.CallEnded, call.Status)
	require.NotNil(t, call.EndedAt)
	assert.Empty(t, hostSession.Call())

	ended := expectEvent(t, guestSession, EventCallState)
	assert.Equal(t, types.CallEnded, ended.Data.(CallStateEvent).Status)

	stored, err = repo.GetCall(ctx, call.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallEnded, stored.Status)

	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallEnded, got.Status)

	_, err = h.Calls.Activate(ctx, call.Id, "host")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.Calls.Join(ctx, call.Id, guestSession)
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestCallCreate(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	createRoom(t, h, database.CreateRoomParams{Id: "studio", Name: "Studio", IsPrivate: true, Members: []string{"host"}})

	_, err := h.Calls.Create(ctx, "outsider", "studio")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.Calls.Create(ctx, "host", "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = h.Calls.Create(ctx, "", "")
	assert.Equal(t, KindInvalidInput, KindOf(err))

	call, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	assert.Empty(t, call.RoomId)

	_, err = h.Calls.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestCallRosterWithinRoomMembers(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob")

	outsider := connect(t, h, "mallory")
	_, err := h.Calls.Join(ctx, call.Id, outsider)
	assert.ErrorIs(t, err, ErrForbidden)

	// bob gives up room membership and loses his seat with it
	bob := sessions["bob"]
	join(t, h, bob, "studio")
	require.NoError(t, h.Directory.Leave(ctx, "studio", bob, true))

	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Participants)
	assert.Empty(t, bob.Call())

	_, err = h.Calls.Join(ctx, call.Id, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	members, err := h.Directory.ListMembers(ctx, "studio")
	require.NoError(t, err)
	for _, p := range got.Participants {
		assert.Contains(t, members, p)
	}
}

func TestLeaveRoomLeavesCall(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice")
	alice := sessions["alice"]
	join(t, h, alice, "studio")

	require.NoError(t, h.Directory.Leave(ctx, "studio", alice, false))

	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.Empty(t, got.Participants)

	// still a member, so she may come back
	_, err = h.Calls.Join(ctx, call.Id, alice)
	assert.NoError(t, err)
}

func TestJoinSwitchesCall(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	first, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	second, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)

	s := connect(t, h, "alice")
	_, err = h.Calls.Join(ctx, first.Id, s)
	require.NoError(t, err)
	_, err = h.Calls.Join(ctx, second.Id, s)
	require.NoError(t, err)

	got, err := h.Calls.Get(ctx, first.Id)
	require.NoError(t, err)
	assert.Empty(t, got.Participants)
	assert.Equal(t, second.Id, s.Call())
}

func TestEmptyLiveCallEnds(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.CallEmptyGrace = 50 * time.Millisecond })
	ctx := context.Background()

	call, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	_, err = h.Calls.Activate(ctx, call.Id, "host")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := h.Calls.Get(ctx, call.Id)
		return err == nil && got.Status == types.CallEnded
	}, time.Second, 10*time.Millisecond)
}

func TestOccupiedCallStaysLive(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.CallEmptyGrace = 50 * time.Millisecond })
	ctx := context.Background()

	call, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	s := connect(t, h, "host")
	_, err = h.Calls.Join(ctx, call.Id, s)
	require.NoError(t, err)
	_, err = h.Calls.Activate(ctx, call.Id, "host")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	got, err := h.Calls.Get(ctx, call.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallLive, got.Status)
}

func TestSweepAbandoned(t *testing.T) {
	h, repo := newTestHub(t, func(o *Options) { o.CallAbandonAfter = time.Hour })
	ctx := context.Background()

	scheduled, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	live, err := h.Calls.Create(ctx, "host", "")
	require.NoError(t, err)
	_, err = h.Calls.Activate(ctx, live.Id, "host")
	require.NoError(t, err)

	h.Calls.SweepAbandoned(time.Now().UTC())
	got, err := h.Calls.Get(ctx, scheduled.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallScheduled, got.Status, "too young to sweep")

	h.Calls.SweepAbandoned(time.Now().UTC().Add(2 * time.Hour))

	stored, err := repo.GetCall(ctx, scheduled.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallEnded, stored.Status)

	got, err = h.Calls.Get(ctx, live.Id)
	require.NoError(t, err)
	assert.Equal(t, types.CallLive, got.Status)
}

func TestCallRestore(t *testing.T) {
	repo, err := database.NewBuntRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()
	ctx := context.Background()

	started := Now()
	require.NoError(t, repo.SaveCall(ctx, types.GroupCall{
		Id:           "live1",
		Host:         "host",
		Participants: []string{"alice"},
		Status:       types.CallLive,
		CreatedAt:    started,
		StartedAt:    &started,
	}))
	require.NoError(t, repo.SaveCall(ctx, types.GroupCall{Id: "done1", Host: "host", Status: types.CallEnded, CreatedAt: started}))

	h, err := NewHub(testutil.TestLogger(t), repo, stats.NewPermissiveMock(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	defer h.Shutdown()

	require.NotNil(t, h.Calls.loaded("live1"))
	assert.Nil(t, h.Calls.loaded("done1"))

	got, err := h.Calls.Get(ctx, "live1")
	require.NoError(t, err)
	assert.Equal(t, types.CallLive, got.Status)
	assert.Empty(t, got.Participants)

	s := connect(t, h, "alice")
	_, err = h.Calls.Join(ctx, "live1", s)
	assert.NoError(t, err)
}

func TestSignalRelay(t *testing.T) {
	h, _ := newTestHub(t, nil)
	ctx := context.Background()

	call, sessions := liveCall(t, h, "host", "alice", "bob", "carol")

	t.Run("point to point", func(t *testing.T) {
		sig, err := h.Signals.Relay(ctx, call.Id, "alice", "bob", types.SignalOffer, offer)
		require.NoError(t, err)
		assert.False(t, sig.DeliveredAt.IsZero())

		evt := expectEvent(t, sessions["bob"], EventSignal)
		assert.Equal(t, "alice", evt.Data.(SignalEvent).From)
		expectNoEvent(t, sessions["carol"], EventSignal, 50*time.Millisecond)
		expectNoEvent(t, sessions["alice"], EventSignal, 10*time.Millisecond)
	})

	t.Run("fifo per pair", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			payload := json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`)
			_, err := h.Signals.Relay(ctx, call.Id, "alice", "carol", types.SignalCandidate, payload)
			require.NoError(t, err)
		}
		for i := 0; i < 5; i++ {
			evt := expectEvent(t, sessions["carol"], EventSignal)
			assert.JSONEq(t, `{"n":`+string(rune('0'+i))+`}`, string(evt.Data.(SignalEvent).Payload))
		}
	})

	tests := []struct {
		name    string
		callId  string
		from    string
		to      string
		kind    types.SignalKind
		payload json.RawMessage
		kindErr ErrorKind
	}{
		{"unknown call", "nope", "alice", "bob", types.SignalOffer, offer, KindNotFound},
		{"sender not in call", call.Id, "mallory", "bob", types.SignalOffer, offer, KindNotParticipant},
		{"target not in call", call.Id, "alice", "mallory", types.SignalOffer, offer, KindNotParticipant},
		{"bad kind", call.Id, "alice", "bob", "hangup", offer, KindInvalidInput},
		{"payload not json", call.Id, "alice", "bob", types.SignalAnswer, json.RawMessage(`{`), KindInvalidInput},
		{"empty payload", call.Id, "alice", "bob", types.SignalAnswer, nil, KindInvalidInput},
		{"self", call.Id, "alice", "alice", types.SignalAnswer, offer, KindInvalidInput},
		{"no target", call.Id, "alice", "", types.SignalAnswer, offer, KindInvalidInput},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.Signals.Relay(ctx, tc.callId, tc.from, tc.to, tc.kind, tc.payload)
			assert.Equal(t, tc.kindErr, KindOf(err))
		})
	}

	t.Run("call not live", func(t *testing.T) {
		scheduled, err := h.Calls.Create(ctx, "host", "")
		require.NoError(t, err)
		_, err = h.Signals.Relay(ctx, scheduled.Id, "alice", "bob", types.SignalOffer, offer)
		assert.ErrorIs(t, err, ErrCallNotFound)
	})

	t.Run("target without session", func(t *testing.T) {
		// carol's only session drops; her seat is held for the grace period
		h.Gateway.Disconnect(sessions["carol"])

		got, err := h.Calls.Get(ctx, call.Id)
		require.NoError(t, err)
		assert.Contains(t, got.Participants, "carol")

		_, err = h.Signals.Relay(ctx, call.Id, "alice", "carol", types.SignalOffer, offer)
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("leave cancels later signals", func(t *testing.T) {
		require.NoError(t, h.Calls.Leave(ctx, call.Id, "bob"))
		_, err := h.Signals.Relay(ctx, call.Id, "alice", "bob", types.SignalOffer, offer)
		assert.ErrorIs(t, err, ErrNotParticipant)
	})
}
