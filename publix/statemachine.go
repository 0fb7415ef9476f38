// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package publix

import (
	"time"

	"github.com/danielhkuo/publix/models"
)

// Ranks order the states of a run. Terminal states share the highest rank, so
// once a result is done no transition applies.
var studyRank = map[string]int{
	models.StudyPre:           0,
	models.StudyStarted:       1,
	models.StudyDataRetrieved: 2,
	models.StudyFinished:      3,
	models.StudyFail:          3,
	models.StudyAborted:       3,
}

var componentRank = map[string]int{
	models.ComponentStarted:          0,
	models.ComponentDataRetrieved:    1,
	models.ComponentResultDataPosted: 2,
	models.ComponentFinished:         3,
	models.ComponentFail:             3,
	models.ComponentReloaded:         3,
	models.ComponentAborted:          3,
}

// IsStudyDone reports whether a StudyResult state is terminal.
func IsStudyDone(state string) bool {
	return state == models.StudyFinished || state == models.StudyFail || state == models.StudyAborted
}

// IsComponentDone reports whether a ComponentResult state is terminal.
func IsComponentDone(state string) bool {
	switch state {
	case models.ComponentFinished, models.ComponentFail, models.ComponentReloaded, models.ComponentAborted:
		return true
	}
	return false
}

// advanceStudy moves the run to next if that is a step forward. Terminal states
// set the end date. It returns false and leaves the run untouched otherwise.
func advanceStudy(sr *models.StudyResult, next string, now time.Time) bool {
	if IsStudyDone(sr.State) || studyRank[next] <= studyRank[sr.State] {
		return false
	}
	sr.State = next
	if IsStudyDone(next) {
		sr.EndDate = &now
	}
	return true
}

// advanceComponent is advanceStudy for a ComponentResult. Posting result data
// twice keeps RESULTDATA_POSTED.
func advanceComponent(cr *models.ComponentResult, next string, now time.Time) bool {
	if IsComponentDone(cr.State) {
		return false
	}
	if cr.State == next {
		return next == models.ComponentResultDataPosted
	}
	if componentRank[next] < componentRank[cr.State] {
		return false
	}
	cr.State = next
	if IsComponentDone(next) {
		cr.EndDate = &now
	}
	return true
}

// startState is the state a new run begins in. Only single-run workers of a
// study that allows it get a preview.
func startState(workerType string, s *models.Study) string {
	if s.AllowPreview && (workerType == models.WorkerPersonalSingle || workerType == models.WorkerGeneralSingle) {
		return models.StudyPre
	}
	return models.StudyStarted
}
