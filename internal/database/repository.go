package database

import (
	"context"
	"errors"

	"github.com/npezzotti/go-huddle/internal/types"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Repository is the durable store behind rooms, conversations, presence,
// calls and votes. Implementations must be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	GetRoom(ctx context.Context, roomId string) (types.Room, error)
	AddMember(ctx context.Context, roomId, identity string, admin bool) error
	RemoveMember(ctx context.Context, roomId, identity string) error

	// CreateMessage stores msg at msg.OrderKey and advances the room's
	// sequence and conversation activity time in the same transaction.
	// A second message with the same order key fails with ErrConflict.
	CreateMessage(ctx context.Context, msg types.Message) error
	// GetMessages returns up to limit messages with since <= order key < before,
	// oldest first. Zero bounds are open.
	GetMessages(ctx context.Context, roomId string, since, before int64, limit int) ([]types.Message, error)
	UpdateReadMarker(ctx context.Context, marker types.ReadMarker) error

	UpsertPresence(ctx context.Context, p types.Presence) error
	GetPresence(ctx context.Context, identity string) (types.Presence, error)

	SaveCall(ctx context.Context, call types.GroupCall) error
	GetCall(ctx context.Context, callId string) (types.GroupCall, error)
	ListCalls(ctx context.Context, status types.CallStatus) ([]types.GroupCall, error)

	// UpsertVote records the voter's latest value and returns the item's tally.
	UpsertVote(ctx context.Context, vote types.Vote) (int64, error)
}

type CreateRoomParams struct {
	Id        string
	Name      string
	IsPrivate bool
	Members   []string
	Admins    []string
	// Conversation attaches chat metadata, enabling persisted messages.
	Conversation bool
	IsGroup      bool
}

const defaultHistoryLimit = 50

// normalizeMembers returns the member list with every admin included and
// duplicates removed, preserving first-seen order.
func normalizeMembers(members, admins []string) []string {
	seen := make(map[string]struct{}, len(members)+len(admins))
	out := make([]string, 0, len(members)+len(admins))
	for _, list := range [][]string{members, admins} {
		for _, m := range list {
			if m == "" {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

func isAdmin(admins []string, identity string) bool {
	for _, a := range admins {
		if a == identity {
			return true
		}
	}
	return false
}
