package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/tidwall/buntdb"
)

// BuntRepository keeps everything in a single buntdb file. Passing ":memory:"
// as the path gives a throwaway store, which is what the tests use.
type BuntRepository struct {
	db *buntdb.DB
}

type roomRecord struct {
	Id            string    `json:"id"`
	Name          string    `json:"name"`
	IsPrivate     bool      `json:"is_private"`
	SeqId         int64     `json:"seq_id"`
	CreatedAt     time.Time `json:"created_at"`
	Conversation  bool      `json:"conversation"`
	IsGroup       bool      `json:"is_group"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type memberRecord struct {
	Identity      string    `json:"identity"`
	IsAdmin       bool      `json:"is_admin"`
	LastReadSeqId int64     `json:"last_read_seq_id"`
	LastReadAt    time.Time `json:"last_read_at"`
}

func NewBuntRepository(path string) (*BuntRepository, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	err = db.CreateIndex("calls_status", "call:*", buntdb.IndexJSON("status"))
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BuntRepository{db: db}, nil
}

// keyEscaper keeps ids from forming a separator or a glob pattern inside a
// key, so one id can never address another id's records.
var keyEscaper = strings.NewReplacer(
	"%", "%25",
	":", "%3A",
	"*", "%2A",
	"?", "%3F",
	"\\", "%5C",
)

func keyPart(id string) string { return keyEscaper.Replace(id) }

func roomKey(roomId string) string { return "room:" + keyPart(roomId) }

func memberPrefix(roomId string) string { return "member:" + keyPart(roomId) + ":" }

func memberKey(roomId, identity string) string { return memberPrefix(roomId) + keyPart(identity) }

func messagePrefix(roomId string) string { return "msg:" + keyPart(roomId) + ":" }

func messageKey(roomId string, seq int64) string {
	return fmt.Sprintf("%s%019d", messagePrefix(roomId), seq)
}

func presenceKey(identity string) string { return "presence:" + keyPart(identity) }

func callKey(callId string) string { return "call:" + keyPart(callId) }

func votePrefix(itemType, itemId string) string {
	return "vote:" + keyPart(itemType) + ":" + keyPart(itemId) + ":"
}

func voteKey(vote types.Vote) string { return votePrefix(vote.ItemType, vote.ItemId) + keyPart(vote.Voter) }

// ascendPrefix visits every key that starts with prefix, in key order.
func ascendPrefix(tx *buntdb.Tx, prefix string, iter func(key, val string) bool) error {
	return tx.AscendGreaterOrEqual("", prefix, func(key, val string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		return iter(key, val)
	})
}

func buntNotFound(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func getJSON(tx *buntdb.Tx, key string, v any) error {
	val, err := tx.Get(key)
	if err != nil {
		return buntNotFound(err)
	}
	return json.Unmarshal([]byte(val), v)
}

func setJSON(tx *buntdb.Tx, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(b), nil)
	return err
}

func (p *BuntRepository) Ping(ctx context.Context) error {
	return p.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Len()
		return err
	})
}

func (p *BuntRepository) Close() error {
	return p.db.Close()
}

func (p *BuntRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	room := types.Room{
		Id:        params.Id,
		Name:      params.Name,
		IsPrivate: params.IsPrivate,
		Members:   normalizeMembers(params.Members, params.Admins),
		Admins:    append([]string{}, params.Admins...),
		CreatedAt: time.Now().UTC(),
	}

	err := p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(room.Id)); err == nil {
			return ErrConflict
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}

		rec := roomRecord{
			Id:           room.Id,
			Name:         room.Name,
			IsPrivate:    room.IsPrivate,
			CreatedAt:    room.CreatedAt,
			Conversation: params.Conversation,
			IsGroup:      params.IsGroup,
		}
		if err := setJSON(tx, roomKey(room.Id), rec); err != nil {
			return err
		}

		for _, m := range room.Members {
			mr := memberRecord{Identity: m, IsAdmin: isAdmin(room.Admins, m)}
			if err := setJSON(tx, memberKey(room.Id, m), mr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Room{}, err
	}

	if params.Conversation {
		room.Conversation = &types.Conversation{
			RoomId:       room.Id,
			Participants: room.Members,
			IsGroup:      params.IsGroup,
		}
	}

	return room, nil
}

func (p *BuntRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	var room types.Room
	err := p.db.View(func(tx *buntdb.Tx) error {
		var rec roomRecord
		if err := getJSON(tx, roomKey(roomId), &rec); err != nil {
			return err
		}

		room = types.Room{
			Id:        rec.Id,
			Name:      rec.Name,
			IsPrivate: rec.IsPrivate,
			SeqId:     rec.SeqId,
			CreatedAt: rec.CreatedAt,
			Members:   []string{},
			Admins:    []string{},
		}

		var iterErr error
		err := ascendPrefix(tx, memberPrefix(roomId), func(key, val string) bool {
			var mr memberRecord
			if iterErr = json.Unmarshal([]byte(val), &mr); iterErr != nil {
				return false
			}
			room.Members = append(room.Members, mr.Identity)
			if mr.IsAdmin {
				room.Admins = append(room.Admins, mr.Identity)
			}
			return true
		})
		if err != nil {
			return err
		}
		if iterErr != nil {
			return iterErr
		}

		if rec.Conversation {
			room.Conversation = &types.Conversation{
				RoomId:        rec.Id,
				Participants:  room.Members,
				IsGroup:       rec.IsGroup,
				LastMessageAt: rec.LastMessageAt,
			}
		}
		return nil
	})
	if err != nil {
		return types.Room{}, err
	}

	return room, nil
}

func (p *BuntRepository) AddMember(ctx context.Context, roomId, identity string, admin bool) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(roomKey(roomId)); err != nil {
			return buntNotFound(err)
		}

		var mr memberRecord
		err := getJSON(tx, memberKey(roomId, identity), &mr)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		mr.Identity = identity
		mr.IsAdmin = mr.IsAdmin || admin

		return setJSON(tx, memberKey(roomId, identity), mr)
	})
}

func (p *BuntRepository) RemoveMember(ctx context.Context, roomId, identity string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(memberKey(roomId, identity))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (p *BuntRepository) CreateMessage(ctx context.Context, msg types.Message) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		var rec roomRecord
		if err := getJSON(tx, roomKey(msg.RoomId), &rec); err != nil {
			return err
		}

		key := messageKey(msg.RoomId, msg.OrderKey)
		if _, err := tx.Get(key); err == nil {
			return ErrConflict
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}

		if err := setJSON(tx, key, msg); err != nil {
			return err
		}

		if msg.OrderKey > rec.SeqId {
			rec.SeqId = msg.OrderKey
		}
		if rec.Conversation {
			rec.LastMessageAt = msg.CreatedAt
		}
		return setJSON(tx, roomKey(msg.RoomId), rec)
	})
}

func (p *BuntRepository) GetMessages(ctx context.Context, roomId string, since, before int64, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	upper := messageKey(roomId, 1<<63-1)
	if before > 0 {
		upper = messageKey(roomId, before-1)
	}
	prefix := messagePrefix(roomId)

	messages := make([]types.Message, 0, limit)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.DescendRange("", upper, prefix, func(key, val string) bool {
			if !strings.HasPrefix(key, prefix) {
				return false
			}
			seq, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
			if err != nil || seq < since {
				return false
			}

			var msg types.Message
			if iterErr = json.Unmarshal([]byte(val), &msg); iterErr != nil {
				return false
			}
			messages = append(messages, msg)
			return len(messages) < limit
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (p *BuntRepository) UpdateReadMarker(ctx context.Context, marker types.ReadMarker) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := memberKey(marker.RoomId, marker.Identity)

		var mr memberRecord
		if err := getJSON(tx, key, &mr); err != nil {
			return err
		}

		if marker.OrderKey > mr.LastReadSeqId {
			mr.LastReadSeqId = marker.OrderKey
		}
		mr.LastReadAt = marker.ReadAt

		return setJSON(tx, key, mr)
	})
}

func (p *BuntRepository) UpsertPresence(ctx context.Context, pr types.Presence) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, presenceKey(pr.Identity), pr)
	})
}

func (p *BuntRepository) GetPresence(ctx context.Context, identity string) (types.Presence, error) {
	var pr types.Presence
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, presenceKey(identity), &pr)
	})
	return pr, err
}

func (p *BuntRepository) SaveCall(ctx context.Context, call types.GroupCall) error {
	if call.Participants == nil {
		call.Participants = []string{}
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, callKey(call.Id), call)
	})
}

func (p *BuntRepository) GetCall(ctx context.Context, callId string) (types.GroupCall, error) {
	var call types.GroupCall
	err := p.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, callKey(callId), &call)
	})
	return call, err
}

func (p *BuntRepository) ListCalls(ctx context.Context, status types.CallStatus) ([]types.GroupCall, error) {
	calls := make([]types.GroupCall, 0)
	pivot := fmt.Sprintf(`{"status":%q}`, status)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("calls_status", pivot, func(key, val string) bool {
			var call types.GroupCall
			if err := json.Unmarshal([]byte(val), &call); err == nil {
				calls = append(calls, call)
			}
			return true
		})
	})
	return calls, err
}

func (p *BuntRepository) UpsertVote(ctx context.Context, vote types.Vote) (int64, error) {
	var tally int64
	err := p.db.Update(func(tx *buntdb.Tx) error {
		if err := setJSON(tx, voteKey(vote), vote); err != nil {
			return err
		}

		var iterErr error
		err := ascendPrefix(tx, votePrefix(vote.ItemType, vote.ItemId), func(key, val string) bool {
			var v types.Vote
			if iterErr = json.Unmarshal([]byte(val), &v); iterErr != nil {
				return false
			}
			tally += int64(v.Value)
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return 0, err
	}

	return tally, nil
}
