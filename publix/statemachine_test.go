package publix

import (
	"testing"
	"time"

	"github.com/danielhkuo/publix/models"
)

func TestAdvanceStudy(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		from, to string
		moved    bool
	}{
		{models.StudyPre, models.StudyStarted, true},
		{models.StudyPre, models.StudyDataRetrieved, true},
		{models.StudyStarted, models.StudyDataRetrieved, true},
		{models.StudyDataRetrieved, models.StudyStarted, false},
		{models.StudyStarted, models.StudyStarted, false},
		{models.StudyStarted, models.StudyFinished, true},
		{models.StudyDataRetrieved, models.StudyFail, true},
		{models.StudyPre, models.StudyAborted, true},
		{models.StudyFinished, models.StudyFail, false},
		{models.StudyFail, models.StudyFinished, false},
		{models.StudyAborted, models.StudyStarted, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			sr := &models.StudyResult{State: tt.from}
			if got := advanceStudy(sr, tt.to, now); got != tt.moved {
				t.Fatalf("advanceStudy returned %v, want %v", got, tt.moved)
			}
			want := tt.from
			if tt.moved {
				want = tt.to
			}
			if sr.State != want {
				t.Errorf("Expected state %s, got %s", want, sr.State)
			}
			if (sr.EndDate != nil) != (tt.moved && IsStudyDone(tt.to)) {
				t.Errorf("End date set=%v for %s", sr.EndDate != nil, sr.State)
			}
		})
	}
}

func TestAdvanceComponent(t *testing.T) {
	now := time.Now()
	tests := []struct {
		from, to string
		moved    bool
	}{
		{models.ComponentStarted, models.ComponentDataRetrieved, true},
		{models.ComponentStarted, models.ComponentResultDataPosted, true},
		{models.ComponentResultDataPosted, models.ComponentResultDataPosted, true},
		{models.ComponentResultDataPosted, models.ComponentDataRetrieved, false},
		{models.ComponentDataRetrieved, models.ComponentDataRetrieved, false},
		{models.ComponentStarted, models.ComponentReloaded, true},
		{models.ComponentResultDataPosted, models.ComponentFinished, true},
		{models.ComponentStarted, models.ComponentAborted, true},
		{models.ComponentFinished, models.ComponentFail, false},
		{models.ComponentReloaded, models.ComponentStarted, false},
		{models.ComponentFail, models.ComponentResultDataPosted, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			cr := &models.ComponentResult{State: tt.from}
			if got := advanceComponent(cr, tt.to, now); got != tt.moved {
				t.Fatalf("advanceComponent returned %v, want %v", got, tt.moved)
			}
			if tt.moved && cr.State != tt.to {
				t.Errorf("Expected state %s, got %s", tt.to, cr.State)
			}
			if !tt.moved && cr.State != tt.from {
				t.Errorf("State changed to %s", cr.State)
			}
			if IsComponentDone(cr.State) && tt.moved && cr.EndDate == nil {
				t.Error("Expected an end date")
			}
		})
	}
}

func TestStartState(t *testing.T) {
	preview := &models.Study{AllowPreview: true}
	plain := &models.Study{}

	for _, wt := range models.AllWorkerTypes {
		want := models.StudyStarted
		if wt == models.WorkerPersonalSingle || wt == models.WorkerGeneralSingle {
			want = models.StudyPre
		}
		if got := startState(wt, preview); got != want {
			t.Errorf("startState(%s, preview) = %s, want %s", wt, got, want)
		}
		if got := startState(wt, plain); got != models.StudyStarted {
			t.Errorf("startState(%s) = %s, want STARTED", wt, got)
		}
	}
}
