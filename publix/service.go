// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/events"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/models"
)

// GroupNotifier pushes membership changes to open group channels.
// *group.Hub implements it.
type GroupNotifier interface {
	Drop(batchID, groupID, studyResultID string)
	Move(batchID, memberID, fromGroupID, toGroupID string)
	Broadcast(batchID, groupID string, msg group.Message, except string)
}

type noopNotifier struct{}

func (noopNotifier) Drop(string, string, string)                     {}
func (noopNotifier) Move(string, string, string, string)             {}
func (noopNotifier) Broadcast(string, string, group.Message, string) {}

// Service runs the study-run protocol. Every operation is one transaction;
// channel notifications and events go out only after it commits.
type Service struct {
	store         *db.Store
	groups        *group.Coordinator
	notifier      GroupNotifier
	events        events.Publisher
	maxResultData int64
	maxIdCookies  int
	now           func() time.Time
}

func NewService(store *db.Store, cfg cliparse.Config, notifier GroupNotifier, pub events.Publisher) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if pub == nil {
		pub = events.LogPublisher{}
	}
	maxCookies := cfg.MaxIdCookies
	if maxCookies < 1 {
		maxCookies = 10
	}
	return &Service{
		store:         store,
		groups:        group.NewCoordinator(cfg.GroupSelection),
		notifier:      notifier,
		events:        pub,
		maxResultData: cfg.MaxResultDataSize,
		maxIdCookies:  maxCookies,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// RunRef identifies the run a request acts on.
type RunRef struct {
	Cookie *idcookie.IdCookie
	// AdminEmail is the signed-in study member, if any.
	AdminEmail string
}

// run is everything an operation on an in-progress run needs.
type run struct {
	result *models.StudyResult
	study  *models.Study
	batch  *models.Batch
	worker *models.Worker
	cookie idcookie.IdCookie
}

// ended is a run that left its group or finished inside a transaction.
type ended struct {
	result  *models.StudyResult
	groupID string
}

// RunEnd is the outcome of finishing or aborting a run.
type RunEnd struct {
	StudyResult *models.StudyResult
	Study       *models.Study
}

// toError turns anything that is not already an *Error into an internal error.
func toError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsError(err); ok {
		return err
	}
	if errors.Is(err, group.ErrNoAlternativeGroup) {
		return err
	}
	return NewInternal(err)
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, db.ErrNotFound) {
		return NewNotFound(format, args...)
	}
	return err
}

func (s *Service) newID() (string, error) {
	return auth.GenerateID(12)
}

// loadRun resolves and validates the run behind a cookie. The study result row
// stays locked until the transaction ends.
func (s *Service) loadRun(ctx context.Context, q *db.Queries, ref RunRef) (*run, error) {
	c := ref.Cookie
	if c == nil {
		return nil, NewBadRequest("missing id cookie")
	}
	sr, err := q.GetStudyResultForUpdate(ctx, c.StudyResultID)
	if err != nil {
		return nil, notFoundOr(err, "study result %s not found", c.StudyResultID)
	}
	if sr.StudyID != c.StudyID || sr.BatchID != c.BatchID || sr.WorkerID != c.WorkerID {
		return nil, NewBadRequest("id cookie does not match study result %s", sr.ID)
	}
	if IsStudyDone(sr.State) {
		return nil, NewForbidden("study result %s is already done (%s)", sr.ID, sr.State)
	}

	study, err := q.GetStudy(ctx, sr.StudyID)
	if err != nil {
		return nil, notFoundOr(err, "study %s not found", sr.StudyID)
	}
	batch, err := q.GetBatch(ctx, sr.BatchID)
	if err != nil {
		return nil, notFoundOr(err, "batch %s not found", sr.BatchID)
	}
	worker, err := q.GetWorker(ctx, sr.WorkerID)
	if err != nil {
		return nil, notFoundOr(err, "worker %s not found", sr.WorkerID)
	}

	policy, err := PolicyFor(worker.Type)
	if err != nil {
		return nil, err
	}
	member, err := isMember(ctx, q, worker, study, ref.AdminEmail)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckAllowedToContinue(worker, study, batch, Facts{Member: member}); err != nil {
		return nil, err
	}

	return &run{result: sr, study: study, batch: batch, worker: worker, cookie: *c}, nil
}

// isMember reports whether the signed-in user owns this Jatos worker and is a
// member of the study.
func isMember(ctx context.Context, q *db.Queries, w *models.Worker, s *models.Study, adminEmail string) (bool, error) {
	if w.Type != models.WorkerJatos || adminEmail == "" || w.UserEmail == nil || *w.UserEmail != adminEmail {
		return false, nil
	}
	return q.IsStudyMember(ctx, s.ID, adminEmail)
}

// closeComponents moves every open component result of the run to state.
// With clearData the result data of all component results is dropped.
func closeComponents(ctx context.Context, q *db.Queries, studyResultID, state string, clearData bool, now time.Time) error {
	crs, err := q.ListComponentResults(ctx, studyResultID)
	if err != nil {
		return err
	}
	for i := range crs {
		cr := &crs[i]
		changed := advanceComponent(cr, state, now)
		if clearData && cr.Data != nil {
			cr.Data = nil
			changed = true
		}
		if changed {
			if err := q.UpdateComponentResult(ctx, cr); err != nil {
				return err
			}
		}
	}
	return nil
}

// abandonRun fails a run whose browser slot was reused or that went stale.
// Runs that are missing or already done are left alone and nil is returned.
func (s *Service) abandonRun(ctx context.Context, q *db.Queries, studyResultID string, now time.Time) (*ended, error) {
	sr, err := q.GetStudyResultForUpdate(ctx, studyResultID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if IsStudyDone(sr.State) {
		return nil, nil
	}

	if err := closeComponents(ctx, q, sr.ID, models.ComponentFail, false, now); err != nil {
		return nil, err
	}
	groupID, _, err := s.groups.Leave(ctx, q, sr)
	if err != nil {
		return nil, err
	}
	msg := models.AbandonedMessage
	sr.ErrorMsg = &msg
	advanceStudy(sr, models.StudyFail, now)
	if err := q.UpdateStudyResult(ctx, sr); err != nil {
		return nil, err
	}
	return &ended{result: sr, groupID: groupID}, nil
}

// afterEnd notifies the run's group and publishes kind.
func (s *Service) afterEnd(e *ended, kind, message string) {
	if e.groupID != "" {
		s.notifier.Drop(e.result.BatchID, e.groupID, e.result.ID)
	}
	s.publish(kind, e.result, e.groupID, message)
}

func (s *Service) publish(kind string, sr *models.StudyResult, groupID, message string) {
	e := events.Event{
		Kind:          kind,
		StudyID:       sr.StudyID,
		BatchID:       sr.BatchID,
		StudyResultID: sr.ID,
		WorkerID:      sr.WorkerID,
		WorkerType:    sr.WorkerType,
		GroupResultID: groupID,
		Message:       message,
		Time:          s.now(),
	}
	if err := s.events.Publish(context.Background(), e); err != nil {
		slog.Error("failed to publish run event", "kind", kind, "study_result_id", sr.ID, "error", err)
	}
}

// SweepAbandoned fails every in-progress run not seen for idleFor.
func (s *Service) SweepAbandoned(ctx context.Context, idleFor time.Duration) (int, error) {
	now := s.now()
	stale, err := s.store.Queries().ListStaleStudyResults(ctx, now.Add(-idleFor))
	if err != nil {
		return 0, toError(err)
	}

	swept := 0
	for _, sr := range stale {
		var e *ended
		err := s.store.InTx(ctx, func(q *db.Queries) error {
			var err error
			e, err = s.abandonRun(ctx, q, sr.ID, now)
			return err
		})
		if err != nil {
			slog.Error("failed to abandon stale run", "study_result_id", sr.ID, "error", err)
			continue
		}
		if e == nil {
			continue
		}
		swept++
		slog.Info("abandoned stale run",
			"study_result_id", sr.ID,
			"worker_type", sr.WorkerType,
			"last_seen", humanize.Time(sr.LastSeenDate),
		)
		s.afterEnd(e, events.RunAbandoned, models.AbandonedMessage)
	}
	return swept, nil
}

// Outcome returns a finished run for the end page.
func (s *Service) Outcome(ctx context.Context, studyResultID string) (*RunEnd, error) {
	q := s.store.Queries()
	sr, err := q.GetStudyResult(ctx, studyResultID)
	if err != nil {
		return nil, toError(notFoundOr(err, "study result %s not found", studyResultID))
	}
	if !IsStudyDone(sr.State) {
		return nil, NewForbidden("study result %s is still running", sr.ID)
	}
	study, err := q.GetStudy(ctx, sr.StudyID)
	if err != nil {
		return nil, toError(notFoundOr(err, "study %s not found", sr.StudyID))
	}
	return &RunEnd{StudyResult: sr, Study: study}, nil
}
