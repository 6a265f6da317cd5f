package server

import (
	"context"
	"runtime/debug"

	"github.com/hashicorp/go-hclog"
)

// HandlerFunc handles one inbound message kind. The returned data is sent
// back in the ack.
type HandlerFunc func(ctx context.Context, s *Session, msg *ClientMessage) (any, error)

// Router dispatches inbound session messages by kind.
type Router struct {
	log      hclog.Logger
	hub      *Hub
	handlers map[string]HandlerFunc
}

func newRouter(logger hclog.Logger, hub *Hub) *Router {
	rt := &Router{log: logger, hub: hub}
	rt.handlers = map[string]HandlerFunc{
		KindJoinRoom:    rt.joinRoom,
		KindLeaveRoom:   rt.leaveRoom,
		KindSendMessage: rt.sendMessage,
		KindTyping:      rt.typing,
		KindCallJoin:    rt.callJoin,
		KindCallLeave:   rt.callLeave,
		KindSignal:      rt.signal,
		KindVote:        rt.vote,
		KindSetStatus:   rt.setStatus,
		KindHeartbeat:   rt.heartbeat,
		KindPresenceGet: rt.presenceGet,
		KindRead:        rt.read,
		KindReaction:    rt.reaction,
	}
	return rt
}

// Handle registers fn for kind, replacing any existing handler.
func (rt *Router) Handle(kind string, fn HandlerFunc) {
	rt.handlers[kind] = fn
}

// Dispatch runs the handler for msg and answers the session with an ack or
// an error event. It never panics.
func (rt *Router) Dispatch(s *Session, msg *ClientMessage) {
	defer func() {
		if err := recover(); err != nil {
			rt.log.Error("handler panic", "type", msg.Type, "session", s.id, "panic", err, "stack", string(debug.Stack()))
			s.queueMessage(ErrorEvent(msg.Id, ErrInternal))
		}
	}()

	rt.hub.Presence.Touch(s.identity)

	fn, ok := rt.handlers[msg.Type]
	if !ok {
		s.queueMessage(ErrorEvent(msg.Id, invalidInput("unknown message type %q", msg.Type)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	data, err := fn(ctx, s, msg)
	if err != nil {
		if KindOf(err) == KindInternal {
			rt.log.Error("handler failed", "type", msg.Type, "session", s.id, "error", err)
		}
		s.queueMessage(ErrorEvent(msg.Id, err))
		return
	}

	if msg.Id > 0 {
		s.queueMessage(Ack(msg.Id, data))
	}
}
