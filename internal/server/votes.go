package server

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/npezzotti/go-huddle/internal/database"
	"github.com/npezzotti/go-huddle/internal/types"
)

// VoteService records votes. A voter has at most one vote per item; voting
// again replaces the earlier value.
type VoteService struct {
	log      hclog.Logger
	repo     database.Repository
	dir      *Directory
	notifier *Notifier
}

// Cast stores vote and returns the item's new tally. With roomId set the
// voter must be a member and the room gets a vote_tick.
func (vs *VoteService) Cast(ctx context.Context, vote types.Vote, roomId string) (int64, error) {
	vote.ItemType = strings.TrimSpace(vote.ItemType)
	vote.ItemId = strings.TrimSpace(vote.ItemId)
	if vote.ItemType == "" || vote.ItemId == "" {
		return 0, invalidInput("item_type and item_id are required")
	}
	if vote.Voter == "" {
		return 0, invalidInput("voter is required")
	}

	if roomId != "" {
		member, err := vs.dir.IsMember(ctx, roomId, vote.Voter)
		if err != nil {
			return 0, err
		}
		if !member {
			return 0, ErrForbidden
		}
	}

	vote.UpdatedAt = Now()
	tally, err := vs.repo.UpsertVote(ctx, vote)
	if err != nil {
		vs.log.Error("upsert vote", "item_type", vote.ItemType, "item_id", vote.ItemId, "error", err)
		return 0, err
	}

	if roomId != "" {
		vs.notifier.EmitRoom(roomId, Event(EventVoteTick, VoteTickEvent{
			Room:     roomId,
			ItemType: vote.ItemType,
			ItemId:   vote.ItemId,
			Tally:    tally,
		}), nil)
	}

	return tally, nil
}
