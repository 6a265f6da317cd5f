package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Session is one live connection of an identity. It is created by the
// Gateway and never persisted.
type Session struct {
	id        string
	identity  string
	device    string
	createdAt time.Time
	conn      *websocket.Conn
	gw        *Gateway
	log       hclog.Logger
	send      chan *ServerMessage
	stop      chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
	call  string
}

func newSession(id, identity, device string, conn *websocket.Conn, gw *Gateway, bufSize int) *Session {
	return &Session{
		id:        id,
		identity:  identity,
		device:    device,
		createdAt: time.Now().UTC(),
		conn:      conn,
		gw:        gw,
		log:       gw.log.With("session", id, "identity", identity),
		send:      make(chan *ServerMessage, bufSize),
		stop:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

func (s *Session) Id() string { return s.id }

func (s *Session) Identity() string { return s.identity }

func (s *Session) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.log.Debug("write exiting")
	}()

	for {
		select {
		case msg := <-s.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				s.log.Error("failed to serialize message", "error", err)
				continue
			}

			if !s.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-s.stop:
			return
		case <-ticker.C:
			if !s.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) Read() {
	defer func() {
		s.conn.Close()
		s.gw.Disconnect(s)
		s.log.Debug("read exiting")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(appData string) error { s.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.log.Warn("ws read", "error", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("error parsing message", "error", err)
			s.queueMessage(ErrorEvent(0, ErrInvalidMessage))
			continue
		}
		msg.Timestamp = Now()

		s.gw.router.Dispatch(s, &msg)
	}
}

// queueMessage hands msg to the write loop without blocking. It reports
// false when the buffer is full and the message was dropped.
func (s *Session) queueMessage(msg *ServerMessage) bool {
	select {
	case <-s.stop:
		return false
	default:
	}

	select {
	case s.send <- msg:
	default:
		s.log.Debug("send buffer full, dropping message", "type", msg.Type)
		return false
	}

	return true
}

// deliver is queueMessage for ordered room traffic. A session that cannot
// keep up is closed so the client reconnects and replays history instead of
// silently missing messages.
func (s *Session) deliver(msg *ServerMessage) bool {
	if s.queueMessage(msg) {
		return true
	}

	select {
	case <-s.stop:
	default:
		s.log.Warn("closing slow session")
		s.gw.stats.Incr(stats.SlowSessionsClosed)
		s.stopSession()
	}
	return false
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (s *Session) sendMessage(msgType int, msg []byte) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := s.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			s.log.Warn("write message", "error", err)
		}
		return false
	}

	return true
}

func (s *Session) stopSession() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Session) closed() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Session) addRoom(roomId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomId] = struct{}{}
}

func (s *Session) delRoom(roomId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomId)
}

func (s *Session) inRoom(roomId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomId]
	return ok
}

// Rooms returns the ids of the rooms the session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) setCall(callId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.call = callId
}

// clearCall unsets the session's call if it is still callId.
func (s *Session) clearCall(callId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == callId {
		s.call = ""
	}
}

func (s *Session) Call() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}
