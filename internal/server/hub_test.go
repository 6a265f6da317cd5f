package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/stats"
	"github.com/npezzotti/go-huddle/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventWait = time.Second

func newTestHub(t *testing.T, mutate func(*Options)) (*Hub, *database.BuntRepository) {
	t.Helper()

	repo, err := database.NewBuntRepository(":memory:")
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.GracePeriod = 200 * time.Millisecond
	opts.CallEmptyGrace = time.Minute
	if mutate != nil {
		mutate(&opts)
	}

	h, err := NewHub(testutil.TestLogger(t), repo, stats.NewPermissiveMock(), opts)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	t.Cleanup(func() {
		h.Shutdown()
		repo.Close()
	})
	return h, repo
}

func createRoom(t *testing.T, h *Hub, params database.CreateRoomParams) {
	t.Helper()
	_, err := h.Directory.Create(context.Background(), params)
	require.NoError(t, err)
}

func connect(t *testing.T, h *Hub, identity string) *Session {
	t.Helper()
	s, err := h.Gateway.Connect(identity, "web", nil)
	require.NoError(t, err)
	return s
}

func join(t *testing.T, h *Hub, s *Session, roomId string) {
	t.Helper()
	_, err := h.Directory.Join(context.Background(), roomId, s)
	require.NoError(t, err)
}

// expectEvent skips events of other kinds until one of kind arrives.
func expectEvent(t *testing.T, s *Session, kind string) *ServerMessage {
	t.Helper()

	deadline := time.After(eventWait)
	for {
		select {
		case msg := <-s.send:
			if msg.Type == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("%s: no %q event", s.identity, kind)
			return nil
		}
	}
}

func expectNoEvent(t *testing.T, s *Session, kind string, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case msg := <-s.send:
			if msg.Type == kind {
				t.Fatalf("%s: unexpected %q event: %+v", s.identity, kind, msg.Data)
			}
		case <-deadline:
			return
		}
	}
}

func drain(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

// dispatch routes one inbound message and returns its ack or error.
func dispatch(t *testing.T, h *Hub, s *Session, id int, kind string, data any) *ServerMessage {
	t.Helper()

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	h.Router.Dispatch(s, &ClientMessage{Id: id, Type: kind, Data: raw, Timestamp: Now()})

	for {
		select {
		case msg := <-s.send:
			if (msg.Type == EventAck || msg.Type == EventError) && msg.Id == id {
				return msg
			}
		default:
			t.Fatalf("no reply to %s %d", kind, id)
			return nil
		}
	}
}

func TestHubWiring(t *testing.T) {
	h, _ := newTestHub(t, nil)

	assert.Same(t, h.Calls, h.Directory.calls)
	assert.Same(t, h.Relay, h.Directory.relay)
	assert.Same(t, h.Directory, h.Calls.dir)
	assert.Same(t, h.Router, h.Gateway.router)
	assert.Same(t, h.Notifier, h.Presence.notifier)
	assert.Len(t, h.cron.Entries(), 2)
}

func TestNewHubRejectsBadSchedule(t *testing.T) {
	repo, err := database.NewBuntRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	opts := DefaultOptions()
	opts.CallSweep = "not a schedule"

	_, err = NewHub(testutil.TestLogger(t), repo, stats.NewPermissiveMock(), opts)
	assert.Error(t, err)
}

func TestShutdownStopsActors(t *testing.T) {
	repo, err := database.NewBuntRepository(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	h, err := NewHub(testutil.TestLogger(t), repo, stats.NewPermissiveMock(), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	createRoom(t, h, database.CreateRoomParams{Id: "general", Name: "General", Conversation: true})
	s := connect(t, h, "alice")
	join(t, h, s, "general")

	h.Shutdown()

	assert.True(t, s.closed())
	assert.Empty(t, s.Rooms())
	_, err = h.Directory.Join(context.Background(), "general", s)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	_, err = h.Gateway.Connect("bob", "web", nil)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}
