// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/events"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/models"
)

// ComponentSelector names a component by id or by position (1-based).
type ComponentSelector struct {
	ID       string
	Position int
}

// ComponentRun is a freshly started component.
type ComponentRun struct {
	Study           *models.Study
	Component       *models.Component
	ComponentResult *models.ComponentResult
	StudyResult     *models.StudyResult
	Cookie          *idcookie.IdCookie
}

func selectComponent(components []models.Component, sel ComponentSelector, studyID string) (*models.Component, error) {
	switch {
	case sel.ID != "":
		for i := range components {
			if components[i].ID == sel.ID {
				return &components[i], nil
			}
		}
		return nil, NewNotFound("component %s not found in study %s", sel.ID, studyID)
	case sel.Position > 0:
		for i := range components {
			if components[i].Position == sel.Position {
				return &components[i], nil
			}
		}
		return nil, NewNotFound("study %s has no component at position %d", studyID, sel.Position)
	}
	return nil, NewBadRequest("componentId or position required")
}

// lastComponentResult returns the run's most recent component result, or nil.
func lastComponentResult(ctx context.Context, q *db.Queries, studyResultID string) (*models.ComponentResult, error) {
	cr, err := q.LastComponentResult(ctx, studyResultID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return cr, err
}

// currentComponentResult returns the component result named by the cookie, or
// the run's latest one if the cookie names none of this run's results.
func currentComponentResult(ctx context.Context, q *db.Queries, r *run) (*models.ComponentResult, error) {
	if id := r.cookie.ComponentResultID; id != "" {
		cr, err := q.GetComponentResult(ctx, id)
		if err == nil && cr.StudyResultID == r.result.ID {
			return cr, nil
		}
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	cr, err := lastComponentResult(ctx, q, r.result.ID)
	if err != nil {
		return nil, err
	}
	if cr == nil {
		return nil, NewForbidden("study result %s has not started a component", r.result.ID)
	}
	return cr, nil
}

// StartComponent starts a component of the run. The previous unfinished
// component result is finished; starting the same component again reloads it,
// or, if it is not reloadable, fails it and returns a ForbiddenReload error.
func (s *Service) StartComponent(ctx context.Context, ref RunRef, sel ComponentSelector) (*ComponentRun, error) {
	now := s.now()
	var res *ComponentRun
	var reloadErr error

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		components, err := q.ListComponents(ctx, r.study.ID)
		if err != nil {
			return err
		}
		comp, err := selectComponent(components, sel, r.study.ID)
		if err != nil {
			return err
		}
		if !comp.Active {
			return NewForbidden("component %s of study %s is inactive", comp.ID, r.study.ID)
		}

		last, err := lastComponentResult(ctx, q, r.result.ID)
		if err != nil {
			return err
		}
		switch {
		case last != nil && last.ComponentID == comp.ID && !comp.Reloadable:
			if advanceComponent(last, models.ComponentFail, now) {
				msg := "component reloaded but not reloadable"
				last.ErrorMsg = &msg
				if err := q.UpdateComponentResult(ctx, last); err != nil {
					return err
				}
			}
			// Commit the failed component; the caller ends the run
			reloadErr = NewForbiddenReload("component %d of study %s is not reloadable", comp.Position, r.study.ID)
			return nil
		case last != nil && last.ComponentID == comp.ID:
			if advanceComponent(last, models.ComponentReloaded, now) {
				if err := q.UpdateComponentResult(ctx, last); err != nil {
					return err
				}
			}
		case last != nil:
			if advanceComponent(last, models.ComponentFinished, now) {
				if err := q.UpdateComponentResult(ctx, last); err != nil {
					return err
				}
			}
		}

		// A preview ends as soon as the participant gets past the first component
		if r.result.State == models.StudyPre && comp.ID != firstActive(components).ID {
			advanceStudy(r.result, models.StudyStarted, now)
		}

		id, err := s.newID()
		if err != nil {
			return err
		}
		cr := &models.ComponentResult{
			ID:            id,
			StudyResultID: r.result.ID,
			ComponentID:   comp.ID,
			State:         models.ComponentStarted,
			StartDate:     now,
		}
		if err := q.InsertComponentResult(ctx, cr); err != nil {
			return err
		}
		r.result.LastSeenDate = now
		if err := q.UpdateStudyResult(ctx, r.result); err != nil {
			return err
		}

		cookie := r.cookie
		cookie.ComponentID = comp.ID
		cookie.ComponentResultID = cr.ID
		cookie.ComponentPosition = comp.Position
		cookie.RunState = models.RunComponentStart
		res = &ComponentRun{Study: r.study, Component: comp, ComponentResult: cr, StudyResult: r.result, Cookie: &cookie}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}
	if reloadErr != nil {
		slog.Warn("forbidden component reload", "study_result_id", ref.Cookie.StudyResultID, "error", reloadErr)
		return nil, reloadErr
	}
	return res, nil
}

// NextComponent returns the next active component after the one the run is on,
// or nil if there is none left.
func (s *Service) NextComponent(ctx context.Context, ref RunRef) (*models.Component, error) {
	var next *models.Component
	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		components, err := q.ListComponents(ctx, r.study.ID)
		if err != nil {
			return err
		}
		last, err := lastComponentResult(ctx, q, r.result.ID)
		if err != nil {
			return err
		}

		position := 0
		if last != nil {
			for _, c := range components {
				if c.ID == last.ComponentID {
					position = c.Position
				}
			}
		}
		for i := range components {
			if components[i].Active && components[i].Position > position {
				next = &components[i]
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}
	return next, nil
}

// GetInitData hands the running component everything it needs and records that
// the data was retrieved. A preview run stays in PRE.
func (s *Service) GetInitData(ctx context.Context, ref RunRef) (*models.InitData, error) {
	now := s.now()
	var data *models.InitData

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		cr, err := currentComponentResult(ctx, q, r)
		if err != nil {
			return err
		}
		if IsComponentDone(cr.State) {
			return NewForbidden("component result %s is already done (%s)", cr.ID, cr.State)
		}
		components, err := q.ListComponents(ctx, r.study.ID)
		if err != nil {
			return err
		}
		comp, err := selectComponent(components, ComponentSelector{ID: cr.ComponentID}, r.study.ID)
		if err != nil {
			return err
		}

		if r.result.State != models.StudyPre {
			advanceStudy(r.result, models.StudyDataRetrieved, now)
		}
		r.result.LastSeenDate = now
		if err := q.UpdateStudyResult(ctx, r.result); err != nil {
			return err
		}
		if advanceComponent(cr, models.ComponentDataRetrieved, now) {
			if err := q.UpdateComponentResult(ctx, cr); err != nil {
				return err
			}
		}

		data = buildInitData(r, components, comp, cr)
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}
	return data, nil
}

func buildInitData(r *run, components []models.Component, comp *models.Component, cr *models.ComponentResult) *models.InitData {
	list := make([]models.ComponentSummary, 0, len(components))
	for _, c := range components {
		list = append(list, models.ComponentSummary{
			ID:         c.ID,
			Position:   c.Position,
			Title:      c.Title,
			Active:     c.Active,
			Reloadable: c.Reloadable,
		})
	}
	return &models.InitData{
		StudyResultID:     r.result.ID,
		StudyResultUUID:   r.result.UUID,
		ComponentResultID: cr.ID,
		WorkerID:          r.worker.ID,
		WorkerType:        r.worker.Type,
		StudySessionData:  r.result.StudySessionData,
		StudyProperties: models.StudyProperties{
			ID:          r.study.ID,
			UUID:        r.study.UUID,
			Title:       r.study.Title,
			Description: r.study.Description,
			GroupStudy:  r.study.GroupStudy,
			JSONData:    r.study.JSONData,
		},
		StudyComponentList: list,
		ComponentProps: models.ComponentProperties{
			ID:         comp.ID,
			Position:   comp.Position,
			Title:      comp.Title,
			Reloadable: comp.Reloadable,
			JSONData:   comp.JSONData,
		},
		BatchProperties: models.BatchProperties{
			ID:       r.batch.ID,
			Title:    r.batch.Title,
			JSONData: r.batch.JSONData,
		},
		URLQueryParameters: r.result.URLQueryParameters,
	}
}

// SetStudySessionData overwrites the run's session data.
func (s *Service) SetStudySessionData(ctx context.Context, ref RunRef, data string) error {
	now := s.now()
	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		r.result.StudySessionData = data
		r.result.LastSeenDate = now
		return q.UpdateStudyResult(ctx, r.result)
	})
	return toError(err)
}

// SubmitResultData stores the current component's result data, replacing it or
// appending to it.
func (s *Service) SubmitResultData(ctx context.Context, ref RunRef, data string, appendData bool) error {
	now := s.now()
	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		cr, err := currentComponentResult(ctx, q, r)
		if err != nil {
			return err
		}
		if IsComponentDone(cr.State) {
			return NewForbidden("component result %s is already done (%s)", cr.ID, cr.State)
		}

		stored := data
		if appendData && cr.Data != nil {
			stored = *cr.Data + data
		}
		if s.maxResultData > 0 && int64(len(stored)) > s.maxResultData {
			return NewBadRequest("result data of %s exceeds the limit of %s",
				humanize.Bytes(uint64(len(stored))), humanize.Bytes(uint64(s.maxResultData)))
		}

		cr.Data = &stored
		advanceComponent(cr, models.ComponentResultDataPosted, now)
		if err := q.UpdateComponentResult(ctx, cr); err != nil {
			return err
		}
		return q.TouchStudyResult(ctx, r.result.ID, now)
	})
	return toError(err)
}

// FinishComponent ends the current component. Finishing a component that is
// already done changes nothing.
func (s *Service) FinishComponent(ctx context.Context, ref RunRef, successful bool, errorMsg string) (*idcookie.IdCookie, error) {
	now := s.now()
	var cookie idcookie.IdCookie

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		cookie = r.cookie
		cr, err := currentComponentResult(ctx, q, r)
		if err != nil {
			return err
		}

		state := models.ComponentFinished
		if !successful {
			state = models.ComponentFail
		}
		if !advanceComponent(cr, state, now) {
			return nil
		}
		if errorMsg != "" {
			cr.ErrorMsg = &errorMsg
		}
		if err := q.UpdateComponentResult(ctx, cr); err != nil {
			return err
		}
		cookie.RunState = models.RunComponentFinished
		return q.TouchStudyResult(ctx, r.result.ID, now)
	})
	if err != nil {
		return nil, toError(err)
	}
	return &cookie, nil
}

// AbortStudy ends the run as ABORTED. Open component results are aborted and all
// result and session data of the run is dropped.
func (s *Service) AbortStudy(ctx context.Context, ref RunRef, message string) (*RunEnd, error) {
	now := s.now()
	var res *RunEnd
	var e *ended

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		if err := closeComponents(ctx, q, r.result.ID, models.ComponentAborted, true, now); err != nil {
			return err
		}
		groupID, _, err := s.groups.Leave(ctx, q, r.result)
		if err != nil {
			return err
		}

		r.result.StudySessionData = ""
		if message != "" {
			r.result.AbortMsg = &message
		}
		advanceStudy(r.result, models.StudyAborted, now)
		r.result.LastSeenDate = now
		if err := q.UpdateStudyResult(ctx, r.result); err != nil {
			return err
		}

		e = &ended{result: r.result, groupID: groupID}
		res = &RunEnd{StudyResult: r.result, Study: r.study}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}

	s.afterEnd(e, events.RunAborted, message)
	slog.Info("study run aborted", "study_result_id", res.StudyResult.ID, "worker_type", res.StudyResult.WorkerType)
	return res, nil
}

// FinishStudy ends the run. A successful finish completes the current component
// and issues a confirmation code; an unsuccessful one leaves the component
// results as they are.
func (s *Service) FinishStudy(ctx context.Context, ref RunRef, successful bool, errorMsg string) (*RunEnd, error) {
	now := s.now()
	var res *RunEnd
	var e *ended

	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}

		if successful {
			last, err := lastComponentResult(ctx, q, r.result.ID)
			if err != nil {
				return err
			}
			if last != nil && advanceComponent(last, models.ComponentFinished, now) {
				if err := q.UpdateComponentResult(ctx, last); err != nil {
					return err
				}
			}
			code := auth.GenerateConfirmationCode()
			r.result.ConfirmationCode = &code
			advanceStudy(r.result, models.StudyFinished, now)
		} else {
			if errorMsg != "" {
				r.result.ErrorMsg = &errorMsg
			}
			advanceStudy(r.result, models.StudyFail, now)
		}

		groupID, _, err := s.groups.Leave(ctx, q, r.result)
		if err != nil {
			return err
		}
		r.result.LastSeenDate = now
		if err := q.UpdateStudyResult(ctx, r.result); err != nil {
			return err
		}

		e = &ended{result: r.result, groupID: groupID}
		res = &RunEnd{StudyResult: r.result, Study: r.study}
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}

	kind := events.RunFinished
	if !successful {
		kind = events.RunFailed
	}
	s.afterEnd(e, kind, errorMsg)
	slog.Info("study run finished",
		"study_result_id", res.StudyResult.ID,
		"worker_type", res.StudyResult.WorkerType,
		"state", res.StudyResult.State,
	)
	return res, nil
}

// Heartbeat records that the run's page is still open.
func (s *Service) Heartbeat(ctx context.Context, ref RunRef) error {
	now := s.now()
	err := s.store.InTx(ctx, func(q *db.Queries) error {
		r, err := s.loadRun(ctx, q, ref)
		if err != nil {
			return err
		}
		return q.TouchStudyResult(ctx, r.result.ID, now)
	})
	return toError(err)
}
