// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/db"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/models"
	"github.com/danielhkuo/publix/publix"
	"github.com/danielhkuo/publix/testutil"
)

// testEnv is a running server with one study.
type testEnv struct {
	srv   *httptest.Server
	store *db.Store
	hub   *group.Hub
	study *testutil.TestStudy
}

func newTestEnv(t *testing.T, opts testutil.StudyOptions) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, opts, testutil.GetTestConfig())
}

func newTestEnvWithConfig(t *testing.T, opts testutil.StudyOptions, cfg cliparse.Config) *testEnv {
	t.Helper()
	store := testutil.SetupTestStore(t)
	hub := group.NewHub()
	t.Cleanup(hub.Close)

	svc := publix.NewService(store, cfg, hub, nil)
	jar := idcookie.NewJar(cfg.CookieSecret, cfg.MaxIdCookies)
	ph := NewPublixHandler(svc, jar, cfg)
	gh := NewGroupHandler(svc, hub, jar, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /publix/studies/{studyId}/start", ph.StartStudy)
	mux.HandleFunc("GET /publix/{srid}/start-component", ph.StartComponent)
	mux.HandleFunc("GET /publix/{srid}/next-component", ph.NextComponent)
	mux.HandleFunc("GET /publix/{srid}/init-data", ph.InitData)
	mux.HandleFunc("POST /publix/{srid}/study-session-data", ph.StudySessionData)
	mux.HandleFunc("POST /publix/{srid}/result-data", ph.SubmitResultData)
	mux.HandleFunc("POST /publix/{srid}/result-data/append", ph.AppendResultData)
	mux.HandleFunc("GET /publix/{srid}/finish-component", ph.FinishComponent)
	mux.HandleFunc("GET /publix/{srid}/abort", ph.AbortStudy)
	mux.HandleFunc("GET /publix/{srid}/finish", ph.FinishStudy)
	mux.HandleFunc("POST /publix/{srid}/heartbeat", ph.Heartbeat)
	mux.HandleFunc("POST /publix/{srid}/log", ph.Log)
	mux.HandleFunc("GET /publix/{srid}/end", ph.End)
	mux.HandleFunc("GET /publix/{srid}/group/join", gh.Join)
	mux.HandleFunc("GET /publix/{srid}/group/reassign", gh.Reassign)
	mux.HandleFunc("GET /publix/{srid}/group/leave", gh.Leave)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:   srv,
		store: store,
		hub:   hub,
		study: testutil.CreateTestStudy(t, store, opts),
	}
}

// browser is a client with its own cookie jar that does not follow redirects.
type browser struct {
	t      *testing.T
	env    *testEnv
	client *http.Client
}

func (e *testEnv) newBrowser(t *testing.T) *browser {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}
	return &browser{
		t:   t,
		env: e,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (b *browser) do(method, path, body string, ajax bool) *http.Response {
	b.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, b.env.srv.URL+path, r)
	if err != nil {
		b.t.Fatalf("Failed to build request: %v", err)
	}
	if ajax {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	b.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *browser) get(path string) *http.Response {
	b.t.Helper()
	return b.do(http.MethodGet, path, "", false)
}

func (b *browser) ajax(method, path, body string) *http.Response {
	b.t.Helper()
	return b.do(method, path, body, true)
}

// cookies returns the cookies the browser would send to the server.
func (b *browser) cookies() []*http.Cookie {
	u, _ := url.Parse(b.env.srv.URL)
	return b.client.Jar.Cookies(u)
}

// start opens the study's start link and returns the new run's id.
func (b *browser) start(query string) string {
	b.t.Helper()
	resp := b.get("/publix/studies/" + b.env.study.Study.ID + "/start?" + query)
	if resp.StatusCode != http.StatusSeeOther {
		body, _ := io.ReadAll(resp.Body)
		b.t.Fatalf("Start failed: %d - %s", resp.StatusCode, body)
	}
	loc := resp.Header.Get("Location")
	parts := strings.Split(strings.TrimPrefix(loc, "/publix/"), "/")
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "start-component") {
		b.t.Fatalf("Unexpected start redirect %q", loc)
	}
	return parts[0]
}

// startComponent starts the component at position and returns its page URL.
func (b *browser) startComponent(srid string, position int) string {
	b.t.Helper()
	resp := b.ajax(http.MethodGet, "/publix/"+srid+"/start-component?position="+strconv.Itoa(position), "")
	expectStatus(b.t, resp, http.StatusOK)
	var out models.ComponentStartResponse
	decode(b.t, resp, &out)
	if out.Position != position {
		b.t.Fatalf("Started position %d, want %d", out.Position, position)
	}
	return out.URL
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d. Body: %s", want, resp.StatusCode, body)
	}
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
}

func (e *testEnv) studyResult(t *testing.T, srid string) *models.StudyResult {
	t.Helper()
	sr, err := e.store.Queries().GetStudyResult(context.Background(), srid)
	if err != nil {
		t.Fatalf("Failed to load study result %s: %v", srid, err)
	}
	return sr
}

// TestStudyRunWorkflow walks one run through the whole protocol:
// 1. Open the start link
// 2. Start the first component
// 3. Fetch init data and post data
// 4. Move to the next component
// 5. Finish and read the confirmation code
func TestStudyRunWorkflow(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{Components: 2})
	b := env.newBrowser(t)

	// Step 1: start link
	srid := b.start("generalMultiple&lang=en")

	// Step 2: a browser navigation is redirected to the component page
	resp := b.get("/publix/" + srid + "/start-component?position=1")
	expectStatus(t, resp, http.StatusSeeOther)
	want := "/study_assets/test_study/component1.html?srid=" + srid
	if loc := resp.Header.Get("Location"); loc != want {
		t.Fatalf("Step 2 - Expected redirect to %q, got %q", want, loc)
	}

	// Step 3: init data and posted data
	resp = b.ajax(http.MethodGet, "/publix/"+srid+"/init-data", "")
	expectStatus(t, resp, http.StatusOK)
	var data models.InitData
	decode(t, resp, &data)
	if data.StudyResultID != srid {
		t.Errorf("Step 3 - init data for %q, want %q", data.StudyResultID, srid)
	}
	if data.StudyProperties.ID != env.study.Study.ID {
		t.Errorf("Step 3 - study properties for %q", data.StudyProperties.ID)
	}
	if data.URLQueryParameters != "lang=en" {
		t.Errorf("Step 3 - URL query parameters = %q, want lang=en", data.URLQueryParameters)
	}
	if len(data.StudyComponentList) != 2 {
		t.Errorf("Step 3 - %d components listed, want 2", len(data.StudyComponentList))
	}

	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/result-data", "hello"), http.StatusOK)
	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/result-data/append", " world"), http.StatusOK)
	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/study-session-data", `{"a":1}`), http.StatusOK)

	// Step 4: next component
	resp = b.get("/publix/" + srid + "/next-component")
	expectStatus(t, resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/publix/"+srid+"/start-component?position=2" {
		t.Fatalf("Step 4 - Unexpected redirect %q", loc)
	}
	b.startComponent(srid, 2)

	// Step 5: finish
	resp = b.ajax(http.MethodGet, "/publix/"+srid+"/finish", "")
	expectStatus(t, resp, http.StatusOK)
	var fin models.FinishResponse
	decode(t, resp, &fin)
	if fin.ConfirmationCode == "" {
		t.Fatal("Step 5 - Missing confirmation code")
	}

	sr := env.studyResult(t, srid)
	if sr.State != models.StudyFinished {
		t.Errorf("Study result state = %s, want %s", sr.State, models.StudyFinished)
	}
	if sr.StudySessionData != `{"a":1}` {
		t.Errorf("Study session data = %q", sr.StudySessionData)
	}
	crs, err := env.store.Queries().ListComponentResults(context.Background(), srid)
	if err != nil {
		t.Fatalf("Failed to list component results: %v", err)
	}
	if len(crs) != 2 || crs[0].Data == nil || *crs[0].Data != "hello world" {
		t.Errorf("Unexpected component results: %+v", crs)
	}

	// The id cookie is gone, so the run can no longer be addressed
	expectStatus(t, b.ajax(http.MethodGet, "/publix/"+srid+"/init-data", ""), http.StatusNotFound)

	// The end page still shows the code
	resp = b.ajax(http.MethodGet, "/publix/"+srid+"/end", "")
	expectStatus(t, resp, http.StatusOK)
	var end models.FinishResponse
	decode(t, resp, &end)
	if end.ConfirmationCode != fin.ConfirmationCode {
		t.Errorf("End page code %q, want %q", end.ConfirmationCode, fin.ConfirmationCode)
	}
}

func TestStartStudy_Errors(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)

	t.Run("missing worker type", func(t *testing.T) {
		resp := b.ajax(http.MethodGet, "/publix/studies/"+env.study.Study.ID+"/start", "")
		expectStatus(t, resp, http.StatusBadRequest)
		var e models.ErrorResponse
		decode(t, resp, &e)
		if !strings.Contains(e.Message, "worker type") {
			t.Errorf("Unexpected message %q", e.Message)
		}
	})

	t.Run("unknown study", func(t *testing.T) {
		resp := b.get("/publix/studies/missing/start?generalMultiple")
		expectStatus(t, resp, http.StatusNotFound)
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("Browser error should be HTML, got %q", ct)
		}
	})

	t.Run("unknown personal worker", func(t *testing.T) {
		resp := b.get("/publix/studies/" + env.study.Study.ID + "/start?personalSingleWorkerId=nobody")
		if resp.StatusCode < 400 || resp.StatusCode >= 500 {
			t.Errorf("Expected a client error, got %d", resp.StatusCode)
		}
	})
}

func TestStartStudy_PersonalSingleOnlyOnce(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{Components: 1})
	w := testutil.CreateTestWorker(t, env.store, models.WorkerPersonalSingle, nil)
	b := env.newBrowser(t)

	srid := b.start("personalSingleWorkerId=" + w.ID)
	b.startComponent(srid, 1)
	expectStatus(t, b.ajax(http.MethodGet, "/publix/"+srid+"/finish", ""), http.StatusOK)

	resp := b.ajax(http.MethodGet, "/publix/studies/"+env.study.Study.ID+"/start?personalSingleWorkerId="+w.ID, "")
	expectStatus(t, resp, http.StatusForbidden)
	var e models.ErrorResponse
	decode(t, resp, &e)
	if !strings.Contains(e.Message, "only once") {
		t.Errorf("Unexpected message %q", e.Message)
	}
}

func TestAbortStudy_FlashMessage(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)

	srid := b.start("generalMultiple")
	b.startComponent(srid, 1)
	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/result-data", "secret"), http.StatusOK)

	resp := b.get("/publix/" + srid + "/abort?message=" + url.QueryEscape("see you"))
	expectStatus(t, resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/publix/"+srid+"/end" {
		t.Fatalf("Unexpected redirect %q", loc)
	}

	resp = b.get("/publix/" + srid + "/end")
	expectStatus(t, resp, http.StatusOK)
	page, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(page), "see you") {
		t.Errorf("End page misses the abort message: %s", page)
	}
	if !strings.Contains(string(page), models.StudyAborted) {
		t.Errorf("End page misses the state: %s", page)
	}
	for _, c := range b.cookies() {
		if c.Name == FlashCookieName {
			t.Error("Flash cookie should be cleared by the end page")
		}
	}

	sr := env.studyResult(t, srid)
	if sr.State != models.StudyAborted {
		t.Errorf("State = %s, want %s", sr.State, models.StudyAborted)
	}
	crs, _ := env.store.Queries().ListComponentResults(context.Background(), srid)
	for _, cr := range crs {
		if cr.Data != nil {
			t.Errorf("Aborted run kept result data %q", *cr.Data)
		}
	}
}

func TestFinishStudy_EndRedirectURL(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{EndRedirectURL: "https://example.org/done"})
	b := env.newBrowser(t)

	srid := b.start("generalMultiple")
	b.startComponent(srid, 1)

	resp := b.get("/publix/" + srid + "/finish")
	expectStatus(t, resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "https://example.org/done" {
		t.Errorf("Expected redirect to the study's end URL, got %q", loc)
	}
}

func TestStartComponent_ReloadEndsRun(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)

	srid := b.start("generalMultiple")
	b.startComponent(srid, 1)

	resp := b.get("/publix/" + srid + "/start-component?position=1")
	expectStatus(t, resp, http.StatusSeeOther)
	if loc := resp.Header.Get("Location"); loc != "/publix/"+srid+"/end" {
		t.Fatalf("Reload should end the run, got redirect %q", loc)
	}
	if sr := env.studyResult(t, srid); sr.State != models.StudyFail {
		t.Errorf("State = %s, want %s", sr.State, models.StudyFail)
	}
}

func TestStartComponent_BadPosition(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")

	for _, p := range []string{"0", "abc", "-1"} {
		resp := b.ajax(http.MethodGet, "/publix/"+srid+"/start-component?position="+p, "")
		expectStatus(t, resp, http.StatusBadRequest)
	}
}

func TestIdCookie_Errors(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")

	var idc *http.Cookie
	for _, c := range b.cookies() {
		if strings.HasPrefix(c.Name, idcookie.NamePrefix) {
			idc = c
		}
	}
	if idc == nil {
		t.Fatal("Start did not set an id cookie")
	}

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/publix/"+srid+"/init-data", nil)
	req.Header.Set("Accept", "application/json")
	req.AddCookie(&http.Cookie{Name: idc.Name, Value: idc.Value + "x"})
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusBadRequest)

	// Another run's id has no cookie in this browser
	expectStatus(t, b.ajax(http.MethodGet, "/publix/other/init-data", ""), http.StatusNotFound)
}

func TestResultData_TooLarge(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")
	b.startComponent(srid, 1)

	resp := b.ajax(http.MethodPost, "/publix/"+srid+"/result-data", strings.Repeat("x", 4096))
	expectStatus(t, resp, http.StatusBadRequest)
	var e models.ErrorResponse
	decode(t, resp, &e)
	if !strings.Contains(e.Message, "1.0 kB") {
		t.Errorf("Expected the limit in the message, got %q", e.Message)
	}

	// Exactly at the limit is fine
	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/result-data", strings.Repeat("x", 1024)), http.StatusOK)
}

func TestFinishComponent(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")
	b.startComponent(srid, 1)

	expectStatus(t, b.ajax(http.MethodGet, "/publix/"+srid+"/finish-component?successful=maybe", ""), http.StatusBadRequest)
	expectStatus(t, b.ajax(http.MethodGet, "/publix/"+srid+"/finish-component?successful=false&errorMsg=oops", ""), http.StatusOK)
	// Finishing again does nothing
	expectStatus(t, b.ajax(http.MethodGet, "/publix/"+srid+"/finish-component", ""), http.StatusOK)

	crs, _ := env.store.Queries().ListComponentResults(context.Background(), srid)
	if len(crs) != 1 || crs[0].State != models.ComponentFail {
		t.Fatalf("Unexpected component results: %+v", crs)
	}
	if crs[0].ErrorMsg == nil || *crs[0].ErrorMsg != "oops" {
		t.Errorf("Error message not stored: %+v", crs[0].ErrorMsg)
	}
}

func TestHeartbeatAndLog(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")

	before := env.studyResult(t, srid).LastSeenDate
	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/heartbeat", ""), http.StatusOK)
	if after := env.studyResult(t, srid).LastSeenDate; after.Before(before) {
		t.Errorf("Heartbeat moved last seen back from %v to %v", before, after)
	}

	expectStatus(t, b.ajax(http.MethodPost, "/publix/"+srid+"/log", "component loaded"), http.StatusOK)
	expectStatus(t, b.ajax(http.MethodPost, "/publix/other/log", "nope"), http.StatusNotFound)
}

func TestEndPage_RunningStudy(t *testing.T) {
	env := newTestEnv(t, testutil.StudyOptions{})
	b := env.newBrowser(t)
	srid := b.start("generalMultiple")

	resp := b.ajax(http.MethodGet, "/publix/"+srid+"/end", "")
	if resp.StatusCode == http.StatusOK {
		t.Error("End page of a running study should not succeed")
	}
	expectStatus(t, b.ajax(http.MethodGet, "/publix/missing/end", ""), http.StatusNotFound)
}
