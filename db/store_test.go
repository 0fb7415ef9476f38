// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/models"
	"github.com/danielhkuo/publix/testutil"
)

func newRun(t *testing.T, store *db.Store, ts *testutil.TestStudy, w *models.Worker) *models.StudyResult {
	t.Helper()
	id, _ := auth.GenerateID(8)
	now := time.Now().UTC()
	sr := &models.StudyResult{
		ID:           id,
		UUID:         auth.GenerateUUID(),
		StudyID:      ts.Study.ID,
		BatchID:      ts.Batch.ID,
		WorkerID:     w.ID,
		WorkerType:   w.Type,
		State:        models.StudyStarted,
		StartDate:    now,
		LastSeenDate: now,
	}
	if err := store.Queries().InsertStudyResult(context.Background(), sr); err != nil {
		t.Fatalf("insert study result: %v", err)
	}
	return sr
}

func TestCreateSchema_Idempotent(t *testing.T) {
	store := testutil.SetupTestStore(t)
	if err := db.CreateSchema(store.DB()); err != nil {
		t.Fatalf("second CreateSchema failed: %v", err)
	}
}

func TestStudyRoundTrip(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{
		Components:       2,
		GroupStudy:       true,
		MaxActiveMembers: testutil.IntPtr(3),
		Members:          []string{"alice@example.org"},
	})
	ctx := context.Background()
	q := store.Queries()

	study, err := q.GetStudy(ctx, ts.Study.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !study.GroupStudy || study.UUID != ts.Study.UUID {
		t.Errorf("unexpected study: %+v", study)
	}

	components, err := q.ListComponents(ctx, ts.Study.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 2 || components[0].Position != 1 || components[1].Position != 2 {
		t.Errorf("unexpected components: %+v", components)
	}

	batch, err := q.GetBatch(ctx, ts.Batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.AllowedWorkerTypes) != len(models.AllWorkerTypes) {
		t.Errorf("expected all worker types, got %v", batch.AllowedWorkerTypes)
	}
	if batch.MaxActiveMembers == nil || *batch.MaxActiveMembers != 3 {
		t.Errorf("expected max active members 3, got %v", batch.MaxActiveMembers)
	}
	if batch.MaxTotalMembers != nil {
		t.Errorf("expected no total member limit, got %v", *batch.MaxTotalMembers)
	}

	member, err := q.IsStudyMember(ctx, ts.Study.ID, "alice@example.org")
	if err != nil || !member {
		t.Errorf("expected alice to be a member (err=%v)", err)
	}
	member, _ = q.IsStudyMember(ctx, ts.Study.ID, "bob@example.org")
	if member {
		t.Error("bob should not be a member")
	}
}

func TestGetMissingRows(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ctx := context.Background()
	q := store.Queries()

	if _, err := q.GetStudy(ctx, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetStudy: expected ErrNotFound, got %v", err)
	}
	if _, err := q.GetStudyResult(ctx, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("GetStudyResult: expected ErrNotFound, got %v", err)
	}
	if _, err := q.LastComponentResult(ctx, "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("LastComponentResult: expected ErrNotFound, got %v", err)
	}
	err := q.UpdateStudyResult(ctx, &models.StudyResult{ID: "nope", State: models.StudyFail})
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("UpdateStudyResult: expected ErrNotFound, got %v", err)
	}
}

func TestComponentResultOrdering(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{Components: 2})
	w := testutil.CreateTestWorker(t, store, models.WorkerGeneralMultiple, nil)
	sr := newRun(t, store, ts, w)
	ctx := context.Background()

	now := time.Now().UTC()
	ids := []string{"cr-b", "cr-a", "cr-c"}
	for i, id := range ids {
		cr := &models.ComponentResult{
			ID:            id,
			StudyResultID: sr.ID,
			ComponentID:   ts.Components[i%2].ID,
			State:         models.ComponentStarted,
			StartDate:     now, // identical timestamps; order must come from insertion
		}
		if err := store.Queries().InsertComponentResult(ctx, cr); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.Queries().ListComponentResults(ctx, sr.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i, cr := range list {
		if cr.ID != ids[i] {
			t.Errorf("position %d: expected %s, got %s", i, ids[i], cr.ID)
		}
	}

	last, err := store.Queries().LastComponentResult(ctx, sr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if last.ID != "cr-c" {
		t.Errorf("expected last cr-c, got %s", last.ID)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{})
	w := testutil.CreateTestWorker(t, store, models.WorkerGeneralMultiple, nil)
	sr := newRun(t, store, ts, w)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(q *db.Queries) error {
		locked, err := q.GetStudyResultForUpdate(ctx, sr.ID)
		if err != nil {
			return err
		}
		locked.State = models.StudyFinished
		if err := q.UpdateStudyResult(ctx, locked); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := store.Queries().GetStudyResult(ctx, sr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StudyStarted {
		t.Errorf("expected rollback to keep STARTED, got %s", got.State)
	}
}

func TestUpdateGroupSession_VersionCheck(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{GroupStudy: true})
	ctx := context.Background()
	q := store.Queries()

	g := &models.GroupResult{
		ID:             "g1",
		BatchID:        ts.Batch.ID,
		State:          models.GroupStarted,
		SessionVersion: 1,
		SessionData:    models.EmptySessionData,
		StartDate:      time.Now().UTC(),
	}
	if err := q.InsertGroupResult(ctx, g); err != nil {
		t.Fatal(err)
	}

	ok, err := q.UpdateGroupSession(ctx, "g1", 1, `{"a":1}`)
	if err != nil || !ok {
		t.Fatalf("expected first update to apply (ok=%v err=%v)", ok, err)
	}
	ok, err = q.UpdateGroupSession(ctx, "g1", 1, `{"a":2}`)
	if err != nil || ok {
		t.Fatalf("expected stale update to be rejected (ok=%v err=%v)", ok, err)
	}

	got, _ := q.GetGroupResult(ctx, "g1")
	if got.SessionVersion != 2 || got.SessionData != `{"a":1}` {
		t.Errorf("unexpected group session: v%d %s", got.SessionVersion, got.SessionData)
	}
}

func TestListGroupCandidates_Counts(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{GroupStudy: true})
	ctx := context.Background()
	q := store.Queries()

	start := time.Now().UTC()
	for i, id := range []string{"g-old", "g-new"} {
		err := q.InsertGroupResult(ctx, &models.GroupResult{
			ID: id, BatchID: ts.Batch.ID, State: models.GroupStarted, SessionVersion: 1,
			SessionData: "{}", StartDate: start.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	gNew := "g-new"
	gOld := "g-old"
	for i := 0; i < 3; i++ {
		w := testutil.CreateTestWorker(t, store, models.WorkerGeneralMultiple, nil)
		sr := newRun(t, store, ts, w)
		group := gOld
		switch i {
		case 0, 1:
			sr.ActiveGroupID = &gNew
			group = gNew
		case 2:
			sr.HistoryGroupID = &gOld
		}
		if err := q.UpdateStudyResult(ctx, sr); err != nil {
			t.Fatal(err)
		}
		if err := q.AddGroupMemberHistory(ctx, group, sr.ID); err != nil {
			t.Fatal(err)
		}
		// Recording a membership again does not count twice
		if err := q.AddGroupMemberHistory(ctx, group, sr.ID); err != nil {
			t.Fatal(err)
		}
	}

	candidates, err := q.ListGroupCandidates(ctx, ts.Batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Group.ID != "g-old" || candidates[0].ActiveMembers != 0 || candidates[0].TotalMembers != 1 {
		t.Errorf("unexpected old group counts: %+v", candidates[0])
	}
	if candidates[1].Group.ID != "g-new" || candidates[1].ActiveMembers != 2 || candidates[1].TotalMembers != 2 {
		t.Errorf("unexpected new group counts: %+v", candidates[1])
	}

	if err := q.SetGroupState(ctx, "g-new", models.GroupFixed); err != nil {
		t.Fatal(err)
	}
	candidates, _ = q.ListGroupCandidates(ctx, ts.Batch.ID)
	if len(candidates) != 1 {
		t.Errorf("fixed groups must not be candidates, got %d", len(candidates))
	}
}

func TestListStaleStudyResults(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ts := testutil.CreateTestStudy(t, store, testutil.StudyOptions{})
	ctx := context.Background()

	w := testutil.CreateTestWorker(t, store, models.WorkerGeneralMultiple, nil)
	stale := newRun(t, store, ts, w)
	stale.LastSeenDate = time.Now().UTC().Add(-2 * time.Hour)
	store.Queries().UpdateStudyResult(ctx, stale)

	finished := newRun(t, store, ts, w)
	finished.LastSeenDate = time.Now().UTC().Add(-2 * time.Hour)
	finished.State = models.StudyFinished
	store.Queries().UpdateStudyResult(ctx, finished)

	newRun(t, store, ts, w)

	list, err := store.Queries().ListStaleStudyResults(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != stale.ID {
		t.Errorf("expected only the stale unfinished run, got %+v", list)
	}
}

func TestLoadFixturesFile(t *testing.T) {
	store := testutil.SetupTestStore(t)
	path := filepath.Join(t.TempDir(), "fixtures.json")
	raw := `{
		"studies": [{
			"id": "s1", "uuid": "11111111-2222-3333-4444-555555555555", "title": "Fixture",
			"groupStudy": true, "members": ["admin@example.org"],
			"components": [
				{"id": "c1", "position": 1, "title": "Intro", "active": true},
				{"id": "c2", "position": 2, "title": "Task", "active": true, "reloadable": true}
			],
			"batches": [{"id": "b1", "title": "Default", "active": true,
				"allowedWorkerTypes": ["GeneralMultiple", "PersonalSingle"], "maxActiveMembers": 2}]
		}],
		"workers": [{"id": "w1", "workerType": "PersonalSingle", "batchId": "b1"}]
	}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := db.LoadFixturesFile(ctx, store, path); err != nil {
		t.Fatal(err)
	}
	// Loading twice leaves existing rows alone
	if err := db.LoadFixturesFile(ctx, store, path); err != nil {
		t.Fatalf("second load failed: %v", err)
	}

	q := store.Queries()
	components, _ := q.ListComponents(ctx, "s1")
	if len(components) != 2 || !components[1].Reloadable {
		t.Errorf("unexpected components: %+v", components)
	}
	batch, err := q.GetBatch(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if !batch.AllowsWorkerType(models.WorkerPersonalSingle) || batch.AllowsWorkerType(models.WorkerMTurk) {
		t.Errorf("unexpected allow-list %v", batch.AllowedWorkerTypes)
	}
	w, err := q.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if w.BatchID == nil || *w.BatchID != "b1" {
		t.Errorf("expected worker bound to b1, got %v", w.BatchID)
	}
	if ok, _ := q.IsStudyMember(ctx, "s1", "admin@example.org"); !ok {
		t.Error("expected fixture member")
	}
}
