package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/stats"
)

// pendingRestore remembers what an identity had joined when its last session
// went away, so a reconnect inside the grace window can put it back.
type pendingRestore struct {
	timer *time.Timer
	rooms []string
	call  string
}

// Gateway owns the live sessions. It drives presence on connect and
// disconnect and hands inbound events to the router.
type Gateway struct {
	log        hclog.Logger
	presence   *PresenceRegistry
	dir        *Directory
	calls      *CallManager
	router     *Router
	stats      stats.StatsProvider
	grace      time.Duration
	sendBuffer int

	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[*Session]struct{}
	pending    map[string]*pendingRestore
	closed     bool
}

func newGateway(logger hclog.Logger, st stats.StatsProvider, grace time.Duration, sendBuffer int) *Gateway {
	return &Gateway{
		log:        logger,
		stats:      st,
		grace:      grace,
		sendBuffer: sendBuffer,
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[*Session]struct{}),
		pending:    make(map[string]*pendingRestore),
	}
}

// Connect registers a session for an already authenticated identity. The
// returned session's Read and Write loops must be started by the caller when
// conn is not nil.
func (g *Gateway) Connect(identity, device string, conn *websocket.Conn) (*Session, error) {
	s := newSession(uuid.NewString(), identity, device, conn, g, g.sendBuffer)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrServiceUnavailable
	}

	g.sessions[s.id] = s
	if g.byIdentity[identity] == nil {
		g.byIdentity[identity] = make(map[*Session]struct{})
	}
	g.byIdentity[identity][s] = struct{}{}
	alreadyOnline := len(g.byIdentity[identity]) > 1

	restore := g.pending[identity]
	if restore != nil {
		restore.timer.Stop()
		delete(g.pending, identity)
	}
	g.mu.Unlock()

	g.stats.Incr(stats.ActiveSessions)
	s.log.Info("session connected", "device", device, "restored", restore != nil)

	if !alreadyOnline && restore == nil {
		g.presence.Connect(identity, device)
	} else {
		g.presence.Touch(identity)
	}

	if restore != nil {
		g.restore(s, restore)
	}

	return s, nil
}

// restore puts s back into the rooms and call of p. It reports false when s
// is already gone.
func (g *Gateway) restore(s *Session, p *pendingRestore) bool {
	if s.closed() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	restored := RestoredEvent{Rooms: make([]string, 0, len(p.rooms))}
	for _, roomId := range p.rooms {
		if _, err := g.dir.join(ctx, roomId, s, true); err != nil {
			s.log.Debug("room not restored", "room", roomId, "error", err)
			continue
		}
		restored.Rooms = append(restored.Rooms, roomId)
	}

	if p.call != "" {
		if _, err := g.calls.Join(ctx, p.call, s); err != nil {
			s.log.Debug("call not restored", "call", p.call, "error", err)
		} else {
			restored.CallId = p.call
		}
	}

	s.queueMessage(Event(EventSessionRestored, restored))
	return true
}

// Disconnect tears a session down. Its room and call seats are released
// silently; if it was the identity's last session, presence stays as is for
// the grace period and goes offline only if no new session shows up.
func (g *Gateway) Disconnect(s *Session) {
	rooms, call, last, ok := g.release(s)
	if !ok {
		return
	}
	if !last {
		s.log.Info("session disconnected")
		return
	}
	g.startGrace(s, &pendingRestore{rooms: rooms, call: call})
}

// release unregisters s and gives up its room and call seats. A last
// session keeps its call seat for the grace period.
func (g *Gateway) release(s *Session) (rooms []string, call string, last, ok bool) {
	g.mu.Lock()
	if _, ok := g.sessions[s.id]; !ok {
		g.mu.Unlock()
		return nil, "", false, false
	}
	delete(g.sessions, s.id)
	delete(g.byIdentity[s.identity], s)
	last = len(g.byIdentity[s.identity]) == 0
	if last {
		delete(g.byIdentity, s.identity)
	}
	g.mu.Unlock()

	s.stopSession()
	g.stats.Decr(stats.ActiveSessions)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rooms = s.Rooms()
	for _, roomId := range rooms {
		if err := g.dir.leave(ctx, roomId, s, s.identity, false, true); err != nil {
			s.log.Debug("leave on disconnect", "room", roomId, "error", err)
		}
	}

	call = s.Call()
	if call != "" {
		if err := g.calls.detach(ctx, call, s, last); err != nil {
			s.log.Debug("call detach on disconnect", "call", call, "error", err)
		}
	}
	return rooms, call, last, true
}

// startGrace parks p until the identity reconnects or the grace period
// ends. A session that connected while s was being released gets p at once.
func (g *Gateway) startGrace(s *Session, p *pendingRestore) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	var successor *Session
	for other := range g.byIdentity[s.identity] {
		successor = other
		break
	}
	if successor != nil {
		g.mu.Unlock()
		s.log.Info("last session disconnected, handing seats to new session", "session", successor.id)
		if !g.restore(successor, p) && p.call != "" {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			g.calls.leave(ctx, p.call, s.identity, true)
			cancel()
		}
		return
	}
	p.timer = time.AfterFunc(g.grace, func() { g.expire(s.identity, p) })
	g.pending[s.identity] = p
	g.mu.Unlock()

	s.log.Info("last session disconnected, grace period started", "grace", g.grace)
}

func (g *Gateway) expire(identity string, p *pendingRestore) {
	g.mu.Lock()
	if g.pending[identity] != p {
		g.mu.Unlock()
		return
	}
	delete(g.pending, identity)
	g.mu.Unlock()

	g.log.Info("grace period expired", "identity", identity)

	if p.call != "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := g.calls.leave(ctx, p.call, identity, true); err != nil {
			g.log.Debug("call leave on expiry", "call", p.call, "error", err)
		}
		cancel()
	}

	g.presence.Disconnect(identity, p.rooms)
}

// Send queues event for a single session.
func (g *Gateway) Send(sessionId string, event *ServerMessage) bool {
	g.mu.RLock()
	s, ok := g.sessions[sessionId]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return s.queueMessage(event)
}

// Broadcast queues event for every session joined to roomId except exclude.
func (g *Gateway) Broadcast(roomId string, event *ServerMessage, excludeSessionId string) {
	for _, s := range g.dir.sessions(roomId) {
		if s.id == excludeSessionId {
			continue
		}
		s.queueMessage(event)
	}
}

// SessionsFor returns the live sessions of identity.
func (g *Gateway) SessionsFor(identity string) []*Session {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Session, 0, len(g.byIdentity[identity]))
	for s := range g.byIdentity[identity] {
		out = append(out, s)
	}
	return out
}

// RoomsOf returns the rooms joined by any session of identity.
func (g *Gateway) RoomsOf(identity string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, s := range g.SessionsFor(identity) {
		for _, id := range s.Rooms() {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out
}

// Online reports whether identity has a session or is inside its grace
// window.
func (g *Gateway) Online(identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byIdentity[identity]) > 0 || g.pending[identity] != nil
}

// Shutdown stops every session and pending grace timer. Sessions are
// disconnected by their read loops once the connections close.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.closed = true
	for id, p := range g.pending {
		p.timer.Stop()
		delete(g.pending, id)
	}
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.stopSession()
	}
}
