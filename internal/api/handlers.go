package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/server"
)

type CreateRoomRequest struct {
	Id           string   `json:"id"`
	Name         string   `json:"name"`
	IsPrivate    bool     `json:"is_private"`
	Members      []string `json:"members"`
	Conversation bool     `json:"conversation"`
	IsGroup      bool     `json:"is_group"`
}

type CreateCallRequest struct {
	RoomId string `json:"room_id"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	errResp := NewCoreError(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(r.Context()); err != nil {
		s.log.Error("health check", "error", err)
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if req.Id == "" {
		id, err := s.newId()
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
		req.Id = id
	}

	room, err := s.hub.Directory.Create(r.Context(), database.CreateRoomParams{
		Id:           req.Id,
		Name:         req.Name,
		IsPrivate:    req.IsPrivate,
		Members:      req.Members,
		Admins:       []string{identity},
		Conversation: req.Conversation,
		IsGroup:      req.IsGroup,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	room, err := s.hub.Directory.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if room.IsPrivate && !slices.Contains(room.Members, identity) {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func parseInt(r *http.Request, key string) (int64, bool) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return 0, true
	}

	n, err := strconv.ParseInt(str, 10, 64)
	return n, err == nil
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	since, ok := parseInt(r, "since")
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	before, ok := parseInt(r, "before")
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	limit, ok := parseInt(r, "limit")
	if !ok {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.hub.Relay.History(r.Context(), r.PathValue("id"), identity, since, before, int(limit))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *Server) createCall(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	var req CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	call, err := s.hub.Calls.Create(r.Context(), identity, req.RoomId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, call)
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	call, err := s.hub.Calls.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if call.RoomId != "" {
		member, err := s.hub.Directory.IsMember(r.Context(), call.RoomId, identity)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !member {
			errResp := NewForbiddenError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *Server) activateCall(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	call, err := s.hub.Calls.Activate(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	identity, _ := Identity(r.Context())

	call, err := s.hub.Calls.End(r.Context(), r.PathValue("id"), identity)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, call)
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	p, err := s.hub.Presence.GetStatus(r.Context(), r.PathValue("identity"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, p)
}

func (s *Server) getPresenceBatch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("identities")
	if raw == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	presences, err := s.hub.Presence.GetMany(r.Context(), strings.Split(raw, ","))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, presences)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := Identity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	device := r.URL.Query().Get("device")
	if device == "" {
		device = "web"
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", "error", err)
		return
	}

	session, err := s.hub.Gateway.Connect(identity, device, conn)
	if err != nil {
		s.log.Warn("rejecting session", "identity", identity, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, server.AsError(err).Detail)
		conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}

	go session.Write()
	go session.Read()
}
