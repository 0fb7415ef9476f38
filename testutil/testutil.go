// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/models"
)

// TestDBURL is an in-memory SQLite database; every SetupTestStore call gets a fresh one.
const TestDBURL = ":memory:"

// SetupTestStore creates a fresh in-memory database with the full schema
func SetupTestStore(t *testing.T) *db.Store {
	t.Helper()

	conn, err := db.Open(db.DialectSQLite, TestDBURL)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.CreateSchema(conn); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return db.NewStore(conn, db.DialectSQLite)
}

// GetTestConfig returns a standard test configuration
func GetTestConfig() cliparse.Config {
	return cliparse.Config{
		Port:              3318,
		DatabaseURL:       TestDBURL,
		DatabaseType:      db.DialectSQLite,
		CookieSecret:      "test-cookie-secret",
		JWTSecret:         "test-jwt-secret",
		AssetsDir:         "study_assets",
		MaxIdCookies:      10,
		MaxResultDataSize: 1024,
		GroupSelection:    cliparse.GroupSelectionPack,
	}
}

// StudyOptions shapes the study created by CreateTestStudy.
type StudyOptions struct {
	Components         int
	GroupStudy         bool
	AllowPreview       bool
	Reloadable         bool
	EndRedirectURL     string
	AllowedWorkerTypes []string // nil allows every worker type
	MaxActiveMembers   *int
	MaxTotalMembers    *int
	MaxTotalWorkers    *int
	Members            []string
}

// TestStudy is a study with its components and single batch.
type TestStudy struct {
	Study      models.Study
	Components []models.Component
	Batch      models.Batch
}

// CreateTestStudy inserts a study, its components (positions 1..n) and one active batch
func CreateTestStudy(t *testing.T, store *db.Store, opts StudyOptions) *TestStudy {
	t.Helper()

	if opts.Components == 0 {
		opts.Components = 3
	}
	allowed := opts.AllowedWorkerTypes
	if allowed == nil {
		allowed = models.AllWorkerTypes
	}

	id, _ := auth.GenerateID(8)
	ts := &TestStudy{
		Study: models.Study{
			ID:             id,
			UUID:           auth.GenerateUUID(),
			Title:          "Test Study",
			Description:    "A test study",
			JSONData:       `{"k":"v"}`,
			GroupStudy:     opts.GroupStudy,
			AllowPreview:   opts.AllowPreview,
			EndRedirectURL: opts.EndRedirectURL,
			DirName:        "test_study",
			CreatedAt:      time.Now().UTC(),
		},
	}
	for i := 1; i <= opts.Components; i++ {
		cid, _ := auth.GenerateID(8)
		ts.Components = append(ts.Components, models.Component{
			ID:           cid,
			StudyID:      id,
			Position:     i,
			Title:        fmt.Sprintf("Component %d", i),
			Active:       true,
			Reloadable:   opts.Reloadable,
			HTMLFilePath: fmt.Sprintf("component%d.html", i),
			JSONData:     "{}",
		})
	}
	bid, _ := auth.GenerateID(8)
	ts.Batch = models.Batch{
		ID:                 bid,
		StudyID:            id,
		Title:              "Default",
		Active:             true,
		AllowedWorkerTypes: allowed,
		MaxActiveMembers:   opts.MaxActiveMembers,
		MaxTotalMembers:    opts.MaxTotalMembers,
		MaxTotalWorkers:    opts.MaxTotalWorkers,
		JSONData:           `{"batch":true}`,
	}

	err := store.InTx(context.Background(), func(q *db.Queries) error {
		if err := q.InsertStudy(context.Background(), &ts.Study); err != nil {
			return err
		}
		for _, email := range opts.Members {
			if err := q.AddStudyMember(context.Background(), id, email); err != nil {
				return err
			}
		}
		for i := range ts.Components {
			if err := q.InsertComponent(context.Background(), &ts.Components[i]); err != nil {
				return err
			}
		}
		return q.InsertBatch(context.Background(), &ts.Batch)
	})
	if err != nil {
		t.Fatalf("Failed to create test study: %v", err)
	}

	return ts
}

// CreateTestWorker inserts a worker of the given type, optionally bound to a batch
func CreateTestWorker(t *testing.T, store *db.Store, workerType string, batchID *string) *models.Worker {
	t.Helper()

	id, _ := auth.GenerateID(8)
	w := &models.Worker{
		ID:        id,
		Type:      workerType,
		BatchID:   batchID,
		CreatedAt: time.Now().UTC(),
	}
	switch workerType {
	case models.WorkerMTurk, models.WorkerMTurkSandbox:
		mturkID := "MT" + id
		w.MTurkWorkerID = &mturkID
	case models.WorkerJatos:
		email := id + "@example.org"
		w.UserEmail = &email
	}

	if err := store.Queries().InsertWorker(context.Background(), w); err != nil {
		t.Fatalf("Failed to create test worker: %v", err)
	}
	return w
}

// IntPtr returns a pointer to n
func IntPtr(n int) *int {
	return &n
}

// MakeRequest creates an HTTP test request
func MakeRequest(method, path string, body interface{}, headers map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(jsonBody))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return req
}

// AssertStatus checks that the response has the expected status code
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if w.Code != expected {
		t.Errorf("Expected status %d, got %d. Body: %s", expected, w.Code, w.Body.String())
	}
}

// AssertJSON decodes the response body into the provided struct
func AssertJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}
