// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"github.com/danielhkuo/publix/models"
)

// Facts are looked up by the orchestrator before a policy decides. Policies never
// touch the database themselves.
type Facts struct {
	// Runs are the worker's earlier runs of this study, oldest first.
	Runs []models.StudyResult
	// Member is true when the caller is an authenticated member of the study.
	Member bool
	// BrowserRanGeneralSingle is true when the GeneralSingle cookie lists the study.
	BrowserRanGeneralSingle bool
	// WorkerInBatch is true when the worker already has a run in the batch.
	WorkerInBatch bool
	// BatchWorkers counts distinct workers with a run in the batch.
	BatchWorkers int
}

// WorkerPolicy decides whether a worker of one category may start or continue a run.
type WorkerPolicy interface {
	WorkerType() string
	CheckAllowedToStart(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error
	CheckAllowedToContinue(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error
}

var policies = map[string]WorkerPolicy{
	models.WorkerJatos:            jatosPolicy{},
	models.WorkerMTurk:            mturkPolicy{},
	models.WorkerMTurkSandbox:     mturkSandboxPolicy{},
	models.WorkerPersonalSingle:   personalSinglePolicy{},
	models.WorkerPersonalMultiple: personalMultiplePolicy{},
	models.WorkerGeneralSingle:    generalSinglePolicy{},
	models.WorkerGeneralMultiple:  generalMultiplePolicy{},
}

// PolicyFor returns the policy of a worker type.
func PolicyFor(workerType string) (WorkerPolicy, error) {
	p, ok := policies[workerType]
	if !ok {
		return nil, NewBadRequest("unknown worker type %q", workerType)
	}
	return p, nil
}

// checkBatchAllows is the part of every check that only depends on the batch.
func checkBatchAllows(w *models.Worker, b *models.Batch) error {
	if !b.Active {
		return NewForbidden("%s worker %s: batch %s is inactive", w.Type, w.ID, b.ID)
	}
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}

// checkStartCommon applies the start rules shared by every category.
func checkStartCommon(w *models.Worker, b *models.Batch, f Facts) error {
	if err := checkBatchAllows(w, b); err != nil {
		return err
	}
	if w.BatchID != nil && *w.BatchID != b.ID {
		return NewForbidden("%s worker %s belongs to batch %s, not batch %s", w.Type, w.ID, *w.BatchID, b.ID)
	}
	if !f.WorkerInBatch && b.MaxTotalWorkers != nil && f.BatchWorkers >= *b.MaxTotalWorkers {
		return NewForbidden("batch %s reached its maximum of %d workers; %s worker %s cannot join",
			b.ID, *b.MaxTotalWorkers, w.Type, w.ID)
	}
	return nil
}

func hasTerminalRun(runs []models.StudyResult) bool {
	for _, r := range runs {
		if IsStudyDone(r.State) {
			return true
		}
	}
	return false
}

// resumableRun returns the latest in-progress run the worker may pick up again.
func resumableRun(runs []models.StudyResult) *models.StudyResult {
	for i := len(runs) - 1; i >= 0; i-- {
		if !IsStudyDone(runs[i].State) {
			return &runs[i]
		}
	}
	return nil
}

func onlyOnce(w *models.Worker, s *models.Study, b *models.Batch) error {
	return NewForbidden("study %s can be done only once: %s worker %s already ran it (batch %s)",
		s.ID, w.Type, w.ID, b.ID)
}

// jatosPolicy: study members testing their own study. No repeat limit.
type jatosPolicy struct{}

func (jatosPolicy) WorkerType() string { return models.WorkerJatos }

func (p jatosPolicy) CheckAllowedToStart(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if err := checkStartCommon(w, b, f); err != nil {
		return err
	}
	return p.checkMember(w, s, b, f)
}

func (p jatosPolicy) CheckAllowedToContinue(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return p.checkMember(w, s, b, f)
}

func (jatosPolicy) checkMember(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if !f.Member {
		return NewForbidden("%s worker %s is not a member of study %s (batch %s)", w.Type, w.ID, s.ID, b.ID)
	}
	return nil
}

// mturkPolicy: a Mechanical Turk worker may run a study once ever.
type mturkPolicy struct{}

func (mturkPolicy) WorkerType() string { return models.WorkerMTurk }

func (mturkPolicy) CheckAllowedToStart(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if err := checkStartCommon(w, b, f); err != nil {
		return err
	}
	if len(f.Runs) > 0 {
		return onlyOnce(w, s, b)
	}
	return nil
}

func (mturkPolicy) CheckAllowedToContinue(w *models.Worker, _ *models.Study, b *models.Batch, _ Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}

// mturkSandboxPolicy: requesters trying out their HIT; exempt from the once-only rule.
type mturkSandboxPolicy struct{ mturkPolicy }

func (mturkSandboxPolicy) WorkerType() string { return models.WorkerMTurkSandbox }

func (mturkSandboxPolicy) CheckAllowedToStart(w *models.Worker, _ *models.Study, b *models.Batch, f Facts) error {
	return checkStartCommon(w, b, f)
}

// personalSinglePolicy: pre-provisioned link for one run. An unfinished run may be
// resumed; a finished one cannot be repeated.
type personalSinglePolicy struct{}

func (personalSinglePolicy) WorkerType() string { return models.WorkerPersonalSingle }

func (personalSinglePolicy) CheckAllowedToStart(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if err := checkStartCommon(w, b, f); err != nil {
		return err
	}
	if hasTerminalRun(f.Runs) {
		return onlyOnce(w, s, b)
	}
	return nil
}

func (personalSinglePolicy) CheckAllowedToContinue(w *models.Worker, _ *models.Study, b *models.Batch, _ Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}

// personalMultiplePolicy: pre-provisioned link that may be used any number of times.
type personalMultiplePolicy struct{}

func (personalMultiplePolicy) WorkerType() string { return models.WorkerPersonalMultiple }

func (personalMultiplePolicy) CheckAllowedToStart(w *models.Worker, _ *models.Study, b *models.Batch, f Facts) error {
	return checkStartCommon(w, b, f)
}

func (personalMultiplePolicy) CheckAllowedToContinue(w *models.Worker, _ *models.Study, b *models.Batch, _ Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}

// generalSinglePolicy: public link, one run per browser. Only a preview run in PRE
// may be picked up again.
type generalSinglePolicy struct{}

func (generalSinglePolicy) WorkerType() string { return models.WorkerGeneralSingle }

func (generalSinglePolicy) CheckAllowedToStart(w *models.Worker, s *models.Study, b *models.Batch, f Facts) error {
	if err := checkStartCommon(w, b, f); err != nil {
		return err
	}
	if len(f.Runs) == 0 && !f.BrowserRanGeneralSingle {
		return nil
	}
	if last := resumableRun(f.Runs); last != nil && last.State == models.StudyPre && s.AllowPreview {
		return nil
	}
	return onlyOnce(w, s, b)
}

func (generalSinglePolicy) CheckAllowedToContinue(w *models.Worker, _ *models.Study, b *models.Batch, _ Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}

// generalMultiplePolicy: public link, a fresh worker for every run.
type generalMultiplePolicy struct{}

func (generalMultiplePolicy) WorkerType() string { return models.WorkerGeneralMultiple }

func (generalMultiplePolicy) CheckAllowedToStart(w *models.Worker, _ *models.Study, b *models.Batch, f Facts) error {
	return checkStartCommon(w, b, f)
}

func (generalMultiplePolicy) CheckAllowedToContinue(w *models.Worker, _ *models.Study, b *models.Batch, _ Facts) error {
	if !b.AllowsWorkerType(w.Type) {
		return NewForbidden("%s workers are not allowed in batch %s", w.Type, b.ID)
	}
	return nil
}
