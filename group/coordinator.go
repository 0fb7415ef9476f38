// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package group

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/models"
)

// Group selection strategies
const (
	SelectPack   = "pack"
	SelectOldest = "oldest"
)

var (
	ErrNoAlternativeGroup = errors.New("no alternative group")
	ErrNotMember          = errors.New("study result is not a member of a group")
)

// Coordinator forms groups and keeps their membership. Every method runs on the
// caller's transaction; callers lock the batch row before Join or Reassign so that
// capacity checks see every concurrent join.
type Coordinator struct {
	selection string
}

func NewCoordinator(selection string) *Coordinator {
	if selection != SelectOldest {
		selection = SelectPack
	}
	return &Coordinator{selection: selection}
}

// Join adds the study result to an eligible STARTED group of the batch, creating
// one if none has room. A study result that already has a group keeps it and
// joined is false.
func (c *Coordinator) Join(ctx context.Context, q *db.Queries, sr *models.StudyResult, batch *models.Batch, now time.Time) (g *models.GroupResult, joined bool, err error) {
	if sr.ActiveGroupID != nil {
		g, err := q.GetGroupResult(ctx, *sr.ActiveGroupID)
		if err == nil {
			return g, false, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, false, err
		}
	}

	candidates, err := q.ListGroupCandidates(ctx, batch.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list groups: %w", err)
	}

	g = c.selectGroup(candidates, batch, "")
	if g == nil {
		id, err := auth.GenerateID(12)
		if err != nil {
			return nil, false, err
		}
		g = &models.GroupResult{
			ID:             id,
			BatchID:        batch.ID,
			State:          models.GroupStarted,
			SessionVersion: 1,
			SessionData:    models.EmptySessionData,
			StartDate:      now,
		}
		if err := q.InsertGroupResult(ctx, g); err != nil {
			return nil, false, fmt.Errorf("create group: %w", err)
		}
	}

	if err := c.moveMember(ctx, q, sr, &g.ID); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// Reassign moves the study result from its current group to a different eligible
// group. It never creates a group; with no alternative the membership is unchanged
// and ErrNoAlternativeGroup is returned.
func (c *Coordinator) Reassign(ctx context.Context, q *db.Queries, sr *models.StudyResult, batch *models.Batch) (from, to *models.GroupResult, err error) {
	if sr.ActiveGroupID == nil {
		return nil, nil, ErrNotMember
	}
	from, err = q.GetGroupResult(ctx, *sr.ActiveGroupID)
	if err != nil {
		return nil, nil, fmt.Errorf("current group: %w", err)
	}

	candidates, err := q.ListGroupCandidates(ctx, batch.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list groups: %w", err)
	}
	to = c.selectGroup(candidates, batch, from.ID)
	if to == nil {
		return nil, nil, ErrNoAlternativeGroup
	}

	if err := c.moveMember(ctx, q, sr, &to.ID); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

// Leave ends the study result's membership. The group itself is kept.
func (c *Coordinator) Leave(ctx context.Context, q *db.Queries, sr *models.StudyResult) (groupID string, left bool, err error) {
	if sr.ActiveGroupID == nil {
		return "", false, nil
	}
	groupID = *sr.ActiveGroupID
	if err := c.moveMember(ctx, q, sr, nil); err != nil {
		return "", false, err
	}
	return groupID, true, nil
}

// moveMember sets the active group and records the previous one as history.
// Every group joined is also added to the group's member history, which is what
// maxTotalMembers counts against.
func (c *Coordinator) moveMember(ctx context.Context, q *db.Queries, sr *models.StudyResult, groupID *string) error {
	if sr.ActiveGroupID != nil {
		prev := *sr.ActiveGroupID
		sr.HistoryGroupID = &prev
	}
	sr.ActiveGroupID = groupID
	if err := q.UpdateStudyResult(ctx, sr); err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	if groupID != nil {
		if err := q.AddGroupMemberHistory(ctx, *groupID, sr.ID); err != nil {
			return fmt.Errorf("record membership: %w", err)
		}
	}
	return nil
}

// ToggleFixed switches the group between STARTED and FIXED. A FIXED group takes no
// new members.
func (c *Coordinator) ToggleFixed(ctx context.Context, q *db.Queries, groupID string, fixed bool) (*models.GroupResult, error) {
	g, err := q.GetGroupResult(ctx, groupID)
	if err != nil {
		return nil, err
	}
	state := models.GroupStarted
	if fixed {
		state = models.GroupFixed
	}
	if g.State == state {
		return g, nil
	}
	if err := q.SetGroupState(ctx, groupID, state); err != nil {
		return nil, err
	}
	g.State = state
	return g, nil
}

// UpdateSession stores new group session data if expectedVersion is still current.
// It returns the new version and true on success; a missing group or a stale
// version returns false and leaves the stored session untouched.
func (c *Coordinator) UpdateSession(ctx context.Context, q *db.Queries, groupID string, expectedVersion int64, data string) (int64, bool, error) {
	data = NormalizeSession(data)
	ok, err := q.UpdateGroupSession(ctx, groupID, expectedVersion, data)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return expectedVersion + 1, true, nil
}

// NormalizeSession replaces blank or null session data with the empty object.
func NormalizeSession(data string) string {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "null" {
		return models.EmptySessionData
	}
	return data
}

// Members returns the ids of the group's active members.
func (c *Coordinator) Members(ctx context.Context, q *db.Queries, groupID string) ([]string, error) {
	results, err := q.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(results))
	for _, sr := range results {
		ids = append(ids, sr.ID)
	}
	return ids, nil
}

func hasRoom(gc models.GroupCandidate, batch *models.Batch) bool {
	if batch.MaxActiveMembers != nil && gc.ActiveMembers >= *batch.MaxActiveMembers {
		return false
	}
	if batch.MaxTotalMembers != nil && gc.TotalMembers >= *batch.MaxTotalMembers {
		return false
	}
	return true
}

// selectGroup picks a group with room, skipping exclude. Candidates arrive oldest
// first. The pack strategy prefers the group with the most active members and
// falls back to the older group on ties.
func (c *Coordinator) selectGroup(candidates []models.GroupCandidate, batch *models.Batch, exclude string) *models.GroupResult {
	var eligible []models.GroupCandidate
	for _, gc := range candidates {
		if gc.Group.ID == exclude || !hasRoom(gc, batch) {
			continue
		}
		eligible = append(eligible, gc)
	}
	if len(eligible) == 0 {
		return nil
	}

	if c.selection == SelectPack {
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].ActiveMembers > eligible[j].ActiveMembers
		})
	}
	g := eligible[0].Group
	return &g
}
