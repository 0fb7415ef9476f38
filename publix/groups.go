// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/events"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/models"
)

// ErrNoAlternativeGroup is returned by ReassignGroup when no other group has room.
var ErrNoAlternativeGroup = group.ErrNoAlternativeGroup

// Membership is a run's current group.
type Membership struct {
	StudyResult *models.StudyResult
	Group       *models.GroupResult
	Members     []string
	Joined      bool
	Cookie      *idcookie.IdCookie
}

// Reassignment describes a move between groups.
type Reassignment struct {
	StudyResult *models.StudyResult
	From        *models.GroupResult
	To          *models.GroupResult
	Members     []string
	Cookie      *idcookie.IdCookie
}

// lockGroupRun locks the batch before the run so that group calls take locks in
// the same order as StartStudy.
func (s *Service) lockGroupRun(ctx context.Context, q *db.Queries, ref RunRef) (*run, error) {
	if ref.Cookie == nil {
		return nil, NewBadRequest("missing id cookie")
	}
	batch, err := q.LockBatch(ctx, ref.Cookie.BatchID)
	if err != nil {
		return nil, notFoundOr(err, "batch %s not found", ref.Cookie.BatchID)
	}
	r, err := s.loadRun(ctx, q, ref)
	if err != nil {
		return nil, err
	}
	if !r.study.GroupStudy {
		return nil, NewForbidden("study %s is not a group study (%s worker, batch %s)",
			r.study.ID, r.worker.Type, r.batch.ID)
	}
	r.batch = batch
	return r, nil
}

// JoinGroup puts the run into a group of its batch. A run that already has a
// group keeps it.
func (s *Service) JoinGroup(ctx context.Context, ref RunRef) (*Membership, error) {
	now := s.now()
	var res *Membership

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.lockGroupRun(ctx, q, ref)
		if err != nil {
			return err
		}
		g, joined, err := s.groups.Join(ctx, q, r.result, r.batch, now)
		if err != nil {
			return err
		}
		members, err := s.groups.Members(ctx, q, g.ID)
		if err != nil {
			return err
		}
		cookie := r.cookie
		cookie.GroupResultID = g.ID
		res = &Membership{StudyResult: r.result, Group: g, Members: members, Joined: joined, Cookie: &cookie}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}

	if res.Joined {
		s.publish(events.GroupJoined, res.StudyResult, res.Group.ID, "")
		slog.Info("joined group",
			"study_result_id", res.StudyResult.ID,
			"group_result_id", res.Group.ID,
			"members", len(res.Members),
		)
	}
	return res, nil
}

// ReassignGroup moves the run to a different group with room. Without one the
// membership is unchanged and ErrNoAlternativeGroup is returned.
func (s *Service) ReassignGroup(ctx context.Context, ref RunRef) (*Reassignment, error) {
	var res *Reassignment

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.lockGroupRun(ctx, q, ref)
		if err != nil {
			return err
		}
		from, to, err := s.groups.Reassign(ctx, q, r.result, r.batch)
		if errors.Is(err, group.ErrNotMember) {
			return NewForbidden("study result %s is not a member of a group", r.result.ID)
		}
		if err != nil {
			return err
		}
		members, err := s.groups.Members(ctx, q, to.ID)
		if err != nil {
			return err
		}
		cookie := r.cookie
		cookie.GroupResultID = to.ID
		res = &Reassignment{StudyResult: r.result, From: from, To: to, Members: members, Cookie: &cookie}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}

	sr := res.StudyResult
	s.notifier.Move(sr.BatchID, sr.ID, res.From.ID, res.To.ID)
	s.notifier.Broadcast(sr.BatchID, res.From.ID, group.Message{
		Action:        group.ActionLeft,
		GroupResultID: res.From.ID,
		MemberID:      sr.ID,
	}, sr.ID)
	// The moved member gets JOINED too, which tells it its new group
	s.notifier.Broadcast(sr.BatchID, res.To.ID, joinedMessage(res.To, sr.ID, res.Members), "")

	s.publish(events.GroupLeft, sr, res.From.ID, "reassigned")
	s.publish(events.GroupJoined, sr, res.To.ID, "reassigned")
	return res, nil
}

// LeaveGroup ends the run's group membership. Leaving without a group is a no-op.
func (s *Service) LeaveGroup(ctx context.Context, ref RunRef) (*idcookie.IdCookie, error) {
	var cookie idcookie.IdCookie
	var e *ended

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.lockGroupRun(ctx, q, ref)
		if err != nil {
			return err
		}
		groupID, left, err := s.groups.Leave(ctx, q, r.result)
		if err != nil {
			return err
		}
		cookie = r.cookie
		cookie.GroupResultID = ""
		if left {
			e = &ended{result: r.result, groupID: groupID}
		}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}
	if e != nil {
		s.afterEnd(e, events.GroupLeft, "")
	}
	return &cookie, nil
}

// channelMember loads the run behind an open group channel.
func channelMember(ctx context.Context, q *db.Queries, studyResultID string) (*models.StudyResult, error) {
	sr, err := q.GetStudyResultForUpdate(ctx, studyResultID)
	if err != nil {
		return nil, notFoundOr(err, "study result %s not found", studyResultID)
	}
	if IsStudyDone(sr.State) {
		return nil, NewForbidden("study result %s is already done (%s)", sr.ID, sr.State)
	}
	if sr.ActiveGroupID == nil {
		return nil, NewForbidden("study result %s is not a member of a group", sr.ID)
	}
	return sr, nil
}

// UpdateGroupSession writes the group session of the run's group if
// expectedVersion is current, and tells the other members. ok is false for a
// stale version.
func (s *Service) UpdateGroupSession(ctx context.Context, studyResultID string, expectedVersion int64, data string) (version int64, ok bool, err error) {
	var sr *models.StudyResult
	data = group.NormalizeSession(data)

	err = s.store.InTx(ctx, func(q *db.Queries) error {
		var err error
		if sr, err = channelMember(ctx, q, studyResultID); err != nil {
			return err
		}
		version, ok, err = s.groups.UpdateSession(ctx, q, *sr.ActiveGroupID, expectedVersion, data)
		return err
	})
	if err != nil {
		return 0, false, toError(err)
	}

	if ok {
		groupID := *sr.ActiveGroupID
		s.notifier.Broadcast(sr.BatchID, groupID, group.Message{
			Action:         group.ActionSession,
			GroupResultID:  groupID,
			MemberID:       sr.ID,
			SessionData:    json.RawMessage(data),
			SessionVersion: version,
		}, sr.ID)
	}
	return version, ok, nil
}

// SetGroupFixed opens or closes the run's group for new members and tells every member.
func (s *Service) SetGroupFixed(ctx context.Context, studyResultID string, fixed bool) (*models.GroupResult, error) {
	var sr *models.StudyResult
	var g *models.GroupResult

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		var err error
		if sr, err = channelMember(ctx, q, studyResultID); err != nil {
			return err
		}
		g, err = s.groups.ToggleFixed(ctx, q, *sr.ActiveGroupID, fixed)
		return err
	})
	if err != nil {
		return nil, toError(err)
	}

	action := group.ActionFixed
	if !fixed {
		action = group.ActionUnfixed
	}
	s.notifier.Broadcast(sr.BatchID, g.ID, group.Message{
		Action:        action,
		GroupResultID: g.ID,
		MemberID:      sr.ID,
		GroupState:    g.State,
	}, "")
	return g, nil
}

// LeaveGroupByID ends a run's membership after its channel dropped. Runs that
// are gone or not in a group are ignored.
func (s *Service) LeaveGroupByID(ctx context.Context, studyResultID string) error {
	var e *ended
	err := s.store.InTx(ctx, func(q *db.Queries) error {
		sr, err := q.GetStudyResultForUpdate(ctx, studyResultID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		groupID, left, err := s.groups.Leave(ctx, q, sr)
		if err != nil {
			return err
		}
		if left {
			e = &ended{result: sr, groupID: groupID}
		}
		return nil
	})
	if err != nil {
		return toError(err)
	}
	if e != nil {
		s.afterEnd(e, events.GroupLeft, "channel closed")
	}
	return nil
}

// joinedMessage announces memberID in g.
func joinedMessage(g *models.GroupResult, memberID string, members []string) group.Message {
	return group.Message{
		Action:         group.ActionJoined,
		GroupResultID:  g.ID,
		MemberID:       memberID,
		Members:        members,
		GroupState:     g.State,
		SessionData:    json.RawMessage(group.NormalizeSession(g.SessionData)),
		SessionVersion: g.SessionVersion,
	}
}

// JoinedMessage announces memberID to the rest of its group.
func (m *Membership) JoinedMessage() group.Message {
	return joinedMessage(m.Group, m.StudyResult.ID, m.Members)
}

// OpenedMessage is the first message on a member's new channel.
func (m *Membership) OpenedMessage() group.Message {
	msg := joinedMessage(m.Group, m.StudyResult.ID, m.Members)
	msg.Action = group.ActionOpened
	return msg
}
