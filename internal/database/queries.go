package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-huddle/internal/types"
)

const (
	addMemberQuery = "INSERT INTO room_members (room_id, identity, is_admin, created_at) VALUES ($1, $2, $3, $4) " +
		"ON CONFLICT (room_id, identity) DO UPDATE SET is_admin = room_members.is_admin OR EXCLUDED.is_admin"
)

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	room := types.Room{
		Id:        params.Id,
		Name:      params.Name,
		IsPrivate: params.IsPrivate,
		Members:   normalizeMembers(params.Members, params.Admins),
		Admins:    append([]string{}, params.Admins...),
	}

	err = tx.QueryRowContext(ctx,
		"INSERT INTO rooms (id, name, is_private, seq_id, created_at) "+
			"VALUES ($1, $2, $3, 0, $4) ON CONFLICT (id) DO NOTHING RETURNING created_at",
		room.Id,
		room.Name,
		room.IsPrivate,
		now,
	).Scan(&room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrConflict
	}
	if err != nil {
		return types.Room{}, err
	}

	for _, m := range room.Members {
		if _, err = tx.ExecContext(ctx, addMemberQuery, room.Id, m, isAdmin(room.Admins, m), now); err != nil {
			return types.Room{}, err
		}
	}

	if params.Conversation {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversations (room_id, is_group) VALUES ($1, $2)",
			room.Id,
			params.IsGroup,
		)
		if err != nil {
			return types.Room{}, err
		}
		room.Conversation = &types.Conversation{
			RoomId:       room.Id,
			Participants: room.Members,
			IsGroup:      params.IsGroup,
		}
	}

	if err = tx.Commit(); err != nil {
		return types.Room{}, err
	}

	return room, nil
}

func (db *PgRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT r.id, r.name, r.is_private, r.seq_id, r.created_at, "+
			"c.room_id IS NOT NULL, COALESCE(c.is_group, FALSE), c.last_message_at "+
			"FROM rooms r LEFT JOIN conversations c ON c.room_id = r.id "+
			"WHERE r.id = $1 LIMIT 1",
		roomId,
	)

	var (
		room          types.Room
		hasConv       bool
		isGroup       bool
		lastMessageAt sql.NullTime
	)
	err := row.Scan(
		&room.Id,
		&room.Name,
		&room.IsPrivate,
		&room.SeqId,
		&room.CreatedAt,
		&hasConv,
		&isGroup,
		&lastMessageAt,
	)
	if err != nil {
		return types.Room{}, notFound(err)
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT identity, is_admin FROM room_members WHERE room_id = $1 ORDER BY created_at, identity",
		roomId,
	)
	if err != nil {
		return types.Room{}, err
	}
	defer rows.Close()

	room.Members = []string{}
	room.Admins = []string{}
	for rows.Next() {
		var (
			identity string
			admin    bool
		)
		if err := rows.Scan(&identity, &admin); err != nil {
			return types.Room{}, err
		}
		room.Members = append(room.Members, identity)
		if admin {
			room.Admins = append(room.Admins, identity)
		}
	}
	if err := rows.Err(); err != nil {
		return types.Room{}, err
	}

	if hasConv {
		room.Conversation = &types.Conversation{
			RoomId:        room.Id,
			Participants:  room.Members,
			IsGroup:       isGroup,
			LastMessageAt: lastMessageAt.Time,
		}
	}

	return room, nil
}

func (db *PgRepository) AddMember(ctx context.Context, roomId, identity string, admin bool) error {
	_, err := db.conn.ExecContext(ctx, addMemberQuery, roomId, identity, admin, time.Now().UTC())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

func (db *PgRepository) RemoveMember(ctx context.Context, roomId, identity string) error {
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM room_members WHERE room_id = $1 AND identity = $2",
		roomId,
		identity,
	)
	return err
}

func (db *PgRepository) CreateMessage(ctx context.Context, msg types.Message) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (room_id, seq_id, author, body, client_id, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6)",
		msg.RoomId,
		msg.OrderKey,
		msg.Author,
		msg.Body,
		msg.ClientId,
		msg.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			err = ErrConflict
		case "23503":
			err = ErrNotFound
		}
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE rooms SET seq_id = GREATEST(seq_id, $2) WHERE id = $1",
		msg.RoomId,
		msg.OrderKey,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE conversations SET last_message_at = $2 WHERE room_id = $1",
		msg.RoomId,
		msg.CreatedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgRepository) GetMessages(ctx context.Context, roomId string, since, before int64, limit int) ([]types.Message, error) {
	var upper, lower int64 = 1<<63 - 1, 0
	if before > 0 {
		upper = before - 1
	}

	if since > 0 {
		lower = since
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT room_id, seq_id, author, body, client_id, created_at FROM messages "+
			"WHERE room_id = $1 AND seq_id BETWEEN $2 AND $3 ORDER BY seq_id DESC LIMIT $4",
		roomId,
		lower,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]types.Message, 0, limit)
	for rows.Next() {
		var msg types.Message
		if err = rows.Scan(&msg.RoomId, &msg.OrderKey, &msg.Author, &msg.Body, &msg.ClientId, &msg.CreatedAt); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest N were selected; hand them back oldest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (db *PgRepository) UpdateReadMarker(ctx context.Context, marker types.ReadMarker) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE room_members SET last_read_seq_id = GREATEST(last_read_seq_id, $3), last_read_at = $4 "+
			"WHERE room_id = $1 AND identity = $2",
		marker.RoomId,
		marker.Identity,
		marker.OrderKey,
		marker.ReadAt,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRepository) UpsertPresence(ctx context.Context, p types.Presence) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO presence (identity, status, last_seen_at, current_room, device) "+
			"VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (identity) DO UPDATE SET status = EXCLUDED.status, last_seen_at = EXCLUDED.last_seen_at, "+
			"current_room = EXCLUDED.current_room, device = EXCLUDED.device",
		p.Identity,
		string(p.Status),
		p.LastSeenAt,
		p.CurrentRoom,
		p.Device,
	)
	return err
}

func (db *PgRepository) GetPresence(ctx context.Context, identity string) (types.Presence, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT identity, status, last_seen_at, current_room, device FROM presence WHERE identity = $1 LIMIT 1",
		identity,
	)

	var (
		p      types.Presence
		status string
	)
	if err := row.Scan(&p.Identity, &status, &p.LastSeenAt, &p.CurrentRoom, &p.Device); err != nil {
		return types.Presence{}, notFound(err)
	}
	p.Status = types.PresenceStatus(status)

	return p, nil
}

func (db *PgRepository) SaveCall(ctx context.Context, call types.GroupCall) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO group_calls (id, room_id, host, participants, status, created_at, started_at, ended_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8) "+
			"ON CONFLICT (id) DO UPDATE SET participants = EXCLUDED.participants, status = EXCLUDED.status, "+
			"started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at",
		call.Id,
		call.RoomId,
		call.Host,
		pq.Array(call.Participants),
		string(call.Status),
		call.CreatedAt,
		call.StartedAt,
		call.EndedAt,
	)
	return err
}

const selectCallQuery = "SELECT id, room_id, host, participants, status, created_at, started_at, ended_at FROM group_calls "

type scanner interface {
	Scan(dest ...any) error
}

func (db *PgRepository) GetCall(ctx context.Context, callId string) (types.GroupCall, error) {
	row := db.conn.QueryRowContext(ctx, selectCallQuery+"WHERE id = $1 LIMIT 1", callId)
	call, err := scanCall(row)
	if err != nil {
		return types.GroupCall{}, notFound(err)
	}
	return call, nil
}

func (db *PgRepository) ListCalls(ctx context.Context, status types.CallStatus) ([]types.GroupCall, error) {
	rows, err := db.conn.QueryContext(ctx, selectCallQuery+"WHERE status = $1 ORDER BY created_at", string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	calls := make([]types.GroupCall, 0)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

func scanCall(row scanner) (types.GroupCall, error) {
	var (
		call      types.GroupCall
		status    string
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	err := row.Scan(
		&call.Id,
		&call.RoomId,
		&call.Host,
		pq.Array(&call.Participants),
		&status,
		&call.CreatedAt,
		&startedAt,
		&endedAt,
	)
	if err != nil {
		return types.GroupCall{}, err
	}

	call.Status = types.CallStatus(status)
	if startedAt.Valid {
		call.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}
	if call.Participants == nil {
		call.Participants = []string{}
	}

	return call, nil
}

func (db *PgRepository) UpsertVote(ctx context.Context, vote types.Vote) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO votes (item_type, item_id, voter, value, updated_at) VALUES ($1, $2, $3, $4, $5) "+
			"ON CONFLICT (item_type, item_id, voter) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at",
		vote.ItemType,
		vote.ItemId,
		vote.Voter,
		vote.Value,
		vote.UpdatedAt,
	)
	if err != nil {
		return 0, err
	}

	var tally int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(value), 0) FROM votes WHERE item_type = $1 AND item_id = $2",
		vote.ItemType,
		vote.ItemId,
	).Scan(&tally)
	if err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return tally, nil
}
