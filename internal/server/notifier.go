package server

import (
	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/stats"
)

type ScopeKind int

const (
	ScopeRoom ScopeKind = iota
	ScopeCall
)

// Scope names the audience of an ephemeral event.
type Scope struct {
	Kind ScopeKind
	Id   string
}

func RoomScope(id string) Scope { return Scope{Kind: ScopeRoom, Id: id} }

func CallScope(id string) Scope { return Scope{Kind: ScopeCall, Id: id} }

// Notifier fans out ephemeral events: typing, reactions, vote ticks, read
// receipts and presence notices. Nothing is persisted or ordered, and a
// session with a full buffer just misses the event.
type Notifier struct {
	log   hclog.Logger
	dir   *Directory
	calls *CallManager
	stats stats.StatsProvider
}

func (n *Notifier) Emit(scope Scope, event *ServerMessage, exclude *Session) int {
	var targets []*Session
	switch scope.Kind {
	case ScopeRoom:
		targets = n.dir.sessions(scope.Id)
	case ScopeCall:
		targets = n.calls.sessions(scope.Id)
	}

	delivered := 0
	for _, s := range targets {
		if s == exclude {
			continue
		}
		if s.queueMessage(event) {
			delivered++
		} else {
			n.stats.Incr(stats.NotificationsDropped)
		}
	}
	return delivered
}

func (n *Notifier) EmitRoom(roomId string, event *ServerMessage, exclude *Session) int {
	return n.Emit(RoomScope(roomId), event, exclude)
}

func (n *Notifier) EmitCall(callId string, event *ServerMessage, exclude *Session) int {
	return n.Emit(CallScope(callId), event, exclude)
}
