// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/events"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/models"
)

// StartRequest carries everything the start link and the browser tell us.
type StartRequest struct {
	StudyID string
	// BatchID may be empty if the worker is bound to a batch or the study has only one.
	BatchID    string
	WorkerType string
	// WorkerID names a pre-provisioned Personal worker.
	WorkerID      string
	MTurkWorkerID string
	AdminEmail    string
	// GeneralSingleWorkerID is the worker this browser already ran the study with.
	GeneralSingleWorkerID string
	URLQueryParameters    string
	Cookies               []idcookie.IdCookie
}

type StartResult struct {
	Study          *models.Study
	Batch          *models.Batch
	Worker         *models.Worker
	StudyResult    *models.StudyResult
	FirstComponent *models.Component
	Cookie         *idcookie.IdCookie
	// Evicted is the cookie whose slot the new run took over, if any. Its run has
	// been abandoned.
	Evicted *idcookie.IdCookie
	Resumed bool
}

// StartStudy creates a run for the worker, or resumes one the worker category
// allows to resume.
func (s *Service) StartStudy(ctx context.Context, req StartRequest) (*StartResult, error) {
	policy, err := PolicyFor(req.WorkerType)
	if err != nil {
		return nil, err
	}

	now := s.now()
	res := &StartResult{}
	var abandoned *ended

	err = s.store.InTx(ctx, func(q *db.Queries) error {
		study, err := q.GetStudy(ctx, req.StudyID)
		if err != nil {
			return notFoundOr(err, "study %s not found", req.StudyID)
		}
		components, err := q.ListComponents(ctx, study.ID)
		if err != nil {
			return err
		}
		first := firstActive(components)
		if first == nil {
			return NewNotFound("study %s has no active component", study.ID)
		}

		if req.WorkerType == models.WorkerJatos && req.AdminEmail == "" {
			batch, err := resolveBatch(ctx, q, study, req.BatchID, nil)
			if err != nil {
				return err
			}
			return NewForbidden("%s worker needs a signed-in member of study %s in batch %s", req.WorkerType, study.ID, batch.ID)
		}
		worker, err := s.resolveWorker(ctx, q, req, now)
		if err != nil {
			return err
		}
		batch, err := resolveBatch(ctx, q, study, req.BatchID, worker)
		if err != nil {
			return err
		}

		facts := Facts{BrowserRanGeneralSingle: req.GeneralSingleWorkerID != ""}
		if facts.Runs, err = q.ListWorkerStudyResults(ctx, worker.ID, study.ID); err != nil {
			return err
		}
		for _, r := range facts.Runs {
			if r.BatchID == batch.ID {
				facts.WorkerInBatch = true
			}
		}
		if facts.BatchWorkers, err = q.CountBatchWorkers(ctx, batch.ID); err != nil {
			return err
		}
		if facts.Member, err = isMember(ctx, q, worker, study, req.AdminEmail); err != nil {
			return err
		}
		if err := policy.CheckAllowedToStart(worker, study, batch, facts); err != nil {
			return err
		}

		sr := resumeCandidate(worker.Type, study, facts.Runs)
		if sr != nil {
			res.Resumed = true
			sr.LastSeenDate = now
			if err := q.UpdateStudyResult(ctx, sr); err != nil {
				return err
			}
		} else {
			if sr, err = s.newStudyResult(study, batch, worker, req.URLQueryParameters, now); err != nil {
				return err
			}
			if err := q.InsertStudyResult(ctx, sr); err != nil {
				return err
			}
		}

		cookie, evict := s.slotFor(req.Cookies, sr, study, now)
		if evict != nil {
			if abandoned, err = s.abandonRun(ctx, q, evict.StudyResultID, now); err != nil {
				return err
			}
		}

		res.Study, res.Batch, res.Worker, res.StudyResult = study, batch, worker, sr
		res.FirstComponent = first
		res.Cookie, res.Evicted = cookie, evict
		return nil
	})
	if err != nil {
		return nil, toError(err)
	}

	if abandoned != nil {
		slog.Info("run abandoned for a new id cookie slot",
			"study_result_id", abandoned.result.ID,
			"new_study_result_id", res.StudyResult.ID,
		)
		s.afterEnd(abandoned, events.RunAbandoned, models.AbandonedMessage)
	}
	if !res.Resumed {
		s.publish(events.RunStarted, res.StudyResult, "", "")
	}
	slog.Info("study run started",
		"study_id", res.Study.ID,
		"batch_id", res.Batch.ID,
		"study_result_id", res.StudyResult.ID,
		"worker_type", res.Worker.Type,
		"state", res.StudyResult.State,
		"resumed", res.Resumed,
	)
	return res, nil
}

// resolveWorker finds or creates the worker a start request is for.
func (s *Service) resolveWorker(ctx context.Context, q *db.Queries, req StartRequest, now time.Time) (*models.Worker, error) {
	switch req.WorkerType {
	case models.WorkerJatos:
		w, err := q.FindJatosWorker(ctx, req.AdminEmail)
		if !errors.Is(err, db.ErrNotFound) {
			return w, err
		}
		email := req.AdminEmail
		return s.insertWorker(ctx, q, &models.Worker{Type: req.WorkerType, UserEmail: &email}, now)

	case models.WorkerMTurk, models.WorkerMTurkSandbox:
		if req.MTurkWorkerID == "" {
			return nil, NewBadRequest("%s worker id missing", req.WorkerType)
		}
		w, err := q.FindMTurkWorker(ctx, req.WorkerType, req.MTurkWorkerID)
		if !errors.Is(err, db.ErrNotFound) {
			return w, err
		}
		mturkID := req.MTurkWorkerID
		return s.insertWorker(ctx, q, &models.Worker{Type: req.WorkerType, MTurkWorkerID: &mturkID}, now)

	case models.WorkerPersonalSingle, models.WorkerPersonalMultiple:
		if req.WorkerID == "" {
			return nil, NewBadRequest("%s worker id missing", req.WorkerType)
		}
		w, err := q.GetWorker(ctx, req.WorkerID)
		if err != nil {
			return nil, notFoundOr(err, "worker %s not found", req.WorkerID)
		}
		if w.Type != req.WorkerType {
			return nil, NewBadRequest("worker %s is a %s worker, not %s", w.ID, w.Type, req.WorkerType)
		}
		return w, nil

	case models.WorkerGeneralSingle:
		if req.GeneralSingleWorkerID != "" {
			w, err := q.GetWorker(ctx, req.GeneralSingleWorkerID)
			if err == nil && w.Type == models.WorkerGeneralSingle {
				return w, nil
			}
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				return nil, err
			}
		}
		return s.insertWorker(ctx, q, &models.Worker{Type: req.WorkerType}, now)

	case models.WorkerGeneralMultiple:
		return s.insertWorker(ctx, q, &models.Worker{Type: req.WorkerType}, now)
	}
	return nil, NewBadRequest("unknown worker type %q", req.WorkerType)
}

func (s *Service) insertWorker(ctx context.Context, q *db.Queries, w *models.Worker, now time.Time) (*models.Worker, error) {
	id, err := s.newID()
	if err != nil {
		return nil, err
	}
	w.ID = id
	w.CreatedAt = now
	if err := q.InsertWorker(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// resolveBatch picks the batch from the request, the worker's binding or the
// study's only batch, and locks it so worker limits hold under concurrent starts.
func resolveBatch(ctx context.Context, q *db.Queries, study *models.Study, batchID string, w *models.Worker) (*models.Batch, error) {
	if batchID == "" && w != nil && w.BatchID != nil {
		batchID = *w.BatchID
	}
	if batchID == "" {
		batches, err := q.ListBatches(ctx, study.ID)
		if err != nil {
			return nil, err
		}
		if len(batches) != 1 {
			return nil, NewBadRequest("study %s has %d batches, batchId is required", study.ID, len(batches))
		}
		batchID = batches[0].ID
	}

	b, err := q.LockBatch(ctx, batchID)
	if err != nil {
		return nil, notFoundOr(err, "batch %s not found", batchID)
	}
	if b.StudyID != study.ID {
		return nil, NewNotFound("batch %s does not belong to study %s", b.ID, study.ID)
	}
	return b, nil
}

// resumeCandidate returns the run a Single worker picks up again instead of
// starting a new one.
func resumeCandidate(workerType string, study *models.Study, runs []models.StudyResult) *models.StudyResult {
	switch workerType {
	case models.WorkerPersonalSingle:
		return resumableRun(runs)
	case models.WorkerGeneralSingle:
		if r := resumableRun(runs); r != nil && r.State == models.StudyPre && study.AllowPreview {
			return r
		}
	}
	return nil
}

func (s *Service) newStudyResult(study *models.Study, batch *models.Batch, w *models.Worker, query string, now time.Time) (*models.StudyResult, error) {
	id, err := s.newID()
	if err != nil {
		return nil, err
	}
	return &models.StudyResult{
		ID:                 id,
		UUID:               auth.GenerateUUID(),
		StudyID:            study.ID,
		BatchID:            batch.ID,
		WorkerID:           w.ID,
		WorkerType:         w.Type,
		State:              startState(w.Type, study),
		StartDate:          now,
		LastSeenDate:       now,
		StudySessionData:   models.EmptySessionData,
		URLQueryParameters: query,
	}, nil
}

// slotFor builds the id cookie of a run. A run that already has a slot keeps its
// index and creation time; otherwise it takes a free index or, when the browser is
// full, the oldest slot, which is returned as evict.
func (s *Service) slotFor(existing []idcookie.IdCookie, sr *models.StudyResult, study *models.Study, now time.Time) (cookie, evict *idcookie.IdCookie) {
	cookie = &idcookie.IdCookie{
		StudyResultID:   sr.ID,
		StudyResultUUID: sr.UUID,
		StudyID:         sr.StudyID,
		BatchID:         sr.BatchID,
		WorkerID:        sr.WorkerID,
		WorkerType:      sr.WorkerType,
		StudyAssets:     study.DirName,
		RunState:        models.RunStudyStart,
		CreationTime:    now,
	}
	if sr.ActiveGroupID != nil {
		cookie.GroupResultID = *sr.ActiveGroupID
	}

	if prev, err := idcookie.Find(existing, sr.ID); err == nil {
		cookie.Index = prev.Index
		cookie.CreationTime = prev.CreationTime
		return cookie, nil
	}
	cookie.Index, evict = idcookie.NextIndex(existing, s.maxIdCookies)
	return cookie, evict
}

func firstActive(components []models.Component) *models.Component {
	for i := range components {
		if components[i].Active {
			return &components[i]
		}
	}
	return nil
}
