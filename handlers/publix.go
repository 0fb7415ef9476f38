// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/middleware"
	"github.com/danielhkuo/publix/models"
	"github.com/danielhkuo/publix/publix"
)

// FlashCookieName carries a one-time message to the end page.
const FlashCookieName = "PUBLIX_FLASH"

// Query parameters that pick the worker type of a start link. They are not stored
// with the run.
var workerParams = []string{
	"batchId", "jatosWorker", "workerId", "assignmentId", "hitId", "turkSubmitTo",
	"personalSingleWorkerId", "personalMultipleWorkerId", "generalSingle", "generalMultiple",
}

type PublixHandler struct {
	svc *publix.Service
	jar *idcookie.Jar
	cfg cliparse.Config
}

func NewPublixHandler(svc *publix.Service, jar *idcookie.Jar, cfg cliparse.Config) *PublixHandler {
	return &PublixHandler{svc: svc, jar: jar, cfg: cfg}
}

// fail writes err for the caller. AJAX callers get JSON, browsers a short page.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"
	e, ok := publix.AsError(err)
	if ok {
		message = e.Message
		switch e.Kind {
		case publix.KindBadRequest:
			status = http.StatusBadRequest
		case publix.KindForbidden, publix.KindForbiddenReload:
			status = http.StatusForbidden
		case publix.KindNotFound:
			status = http.StatusNotFound
		}
	}
	if status == http.StatusInternalServerError {
		cause := err
		if ok && e.Err != nil {
			cause = e.Err
		}
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", cause)
		message = "internal server error"
	}

	if middleware.IsAjax(r) {
		middleware.ErrorResponse(w, status, message)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, "<!DOCTYPE html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		http.StatusText(status), http.StatusText(status), html.EscapeString(message))
}

// runRef finds the id cookie of the run named in the path.
func (h *PublixHandler) runRef(r *http.Request) (publix.RunRef, error) {
	srid := r.PathValue("srid")
	c, err := h.jar.Resolve(r, srid)
	switch {
	case errors.Is(err, idcookie.ErrMalformed):
		return publix.RunRef{}, publix.NewBadRequest("malformed id cookie for study result %s", srid)
	case err != nil:
		return publix.RunRef{}, publix.NewNotFound("no id cookie for study result %s", srid)
	}
	ref := publix.RunRef{Cookie: c}
	ref.AdminEmail, _ = middleware.AdminFromRequest(r, h.cfg.JWTSecret)
	return ref, nil
}

// workerType reads the worker discriminator of a start link into req.
func workerType(q url.Values, req *publix.StartRequest) error {
	switch {
	case q.Has("jatosWorker"):
		req.WorkerType = models.WorkerJatos
	case q.Get("workerId") != "" && (q.Has("assignmentId") || q.Has("hitId")):
		req.WorkerType = models.WorkerMTurk
		if strings.Contains(q.Get("turkSubmitTo"), "sandbox") {
			req.WorkerType = models.WorkerMTurkSandbox
		}
		req.MTurkWorkerID = q.Get("workerId")
	case q.Get("personalSingleWorkerId") != "":
		req.WorkerType = models.WorkerPersonalSingle
		req.WorkerID = q.Get("personalSingleWorkerId")
	case q.Get("personalMultipleWorkerId") != "":
		req.WorkerType = models.WorkerPersonalMultiple
		req.WorkerID = q.Get("personalMultipleWorkerId")
	case q.Has("generalSingle"):
		req.WorkerType = models.WorkerGeneralSingle
	case q.Has("generalMultiple"):
		req.WorkerType = models.WorkerGeneralMultiple
	default:
		return publix.NewBadRequest("start link does not name a worker type")
	}
	return nil
}

// StartStudy handles GET /publix/studies/{studyId}/start
func (h *PublixHandler) StartStudy(w http.ResponseWriter, r *http.Request) {
	studyID := r.PathValue("studyId")
	q := r.URL.Query()

	req := publix.StartRequest{
		StudyID: studyID,
		BatchID: q.Get("batchId"),
		Cookies: h.jar.Read(r),
	}
	if err := workerType(q, &req); err != nil {
		fail(w, r, err)
		return
	}
	switch req.WorkerType {
	case models.WorkerJatos:
		req.AdminEmail, _ = middleware.AdminFromRequest(r, h.cfg.JWTSecret)
	case models.WorkerGeneralSingle:
		req.GeneralSingleWorkerID, _ = h.jar.GeneralSingleWorker(r, studyID)
	}
	extra := url.Values{}
	for k, v := range q {
		extra[k] = v
	}
	for _, k := range workerParams {
		extra.Del(k)
	}
	req.URLQueryParameters = extra.Encode()

	res, err := h.svc.StartStudy(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}

	// An evicted run's slot is overwritten by the new cookie
	h.jar.Write(w, res.Cookie)
	if res.Worker.Type == models.WorkerGeneralSingle {
		h.jar.AddGeneralSingle(w, r, studyID, res.Worker.ID)
	}

	target := fmt.Sprintf("/publix/%s/start-component?position=%d", res.StudyResult.ID, res.FirstComponent.Position)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// componentURL is where the component's page is served from.
func componentURL(study *models.Study, comp *models.Component, srid string) string {
	p := path.Join("/study_assets", study.DirName, comp.HTMLFilePath)
	return p + "?srid=" + url.QueryEscape(srid)
}

// StartComponent handles GET /publix/{srid}/start-component
func (h *PublixHandler) StartComponent(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	sel := publix.ComponentSelector{ID: r.URL.Query().Get("componentId")}
	if p := r.URL.Query().Get("position"); p != "" {
		if sel.Position, err = strconv.Atoi(p); err != nil || sel.Position < 1 {
			fail(w, r, publix.NewBadRequest("invalid component position %q", p))
			return
		}
	}

	run, err := h.svc.StartComponent(r.Context(), ref, sel)
	if publix.KindOf(err) == publix.KindForbiddenReload {
		e, _ := publix.AsError(err)
		h.endRun(w, r, ref, false, e.Message)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}

	h.jar.Write(w, run.Cookie)
	target := componentURL(run.Study, run.Component, run.StudyResult.ID)
	if middleware.IsAjax(r) {
		middleware.JSONResponse(w, http.StatusOK, models.ComponentStartResponse{
			ComponentResultID: run.ComponentResult.ID,
			Position:          run.Component.Position,
			URL:               target,
		})
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// NextComponent handles GET /publix/{srid}/next-component
// After the last component the run is finished.
func (h *PublixHandler) NextComponent(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	next, err := h.svc.NextComponent(r.Context(), ref)
	if err != nil {
		fail(w, r, err)
		return
	}
	if next == nil {
		h.endRun(w, r, ref, true, "")
		return
	}
	target := fmt.Sprintf("/publix/%s/start-component?position=%d", ref.Cookie.StudyResultID, next.Position)
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// InitData handles GET /publix/{srid}/init-data
func (h *PublixHandler) InitData(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	data, err := h.svc.GetInitData(r.Context(), ref)
	if err != nil {
		fail(w, r, err)
		return
	}
	middleware.JSONResponse(w, http.StatusOK, data)
}

// readBody reads a text body. Bodies larger than the result data limit are cut
// one byte past it so the limit check still reports them.
func (h *PublixHandler) readBody(w http.ResponseWriter, r *http.Request) (string, error) {
	body := r.Body
	if limit := h.cfg.MaxResultDataSize; limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit+1)
	}
	defer body.Close()
	b, err := io.ReadAll(body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return "", publix.NewBadRequest("request body exceeds the limit of %s",
			humanize.Bytes(uint64(h.cfg.MaxResultDataSize)))
	}
	if err != nil {
		return "", publix.NewBadRequest("could not read request body")
	}
	return string(b), nil
}

// StudySessionData handles POST /publix/{srid}/study-session-data
func (h *PublixHandler) StudySessionData(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.svc.SetStudySessionData(r.Context(), ref, data); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *PublixHandler) resultData(w http.ResponseWriter, r *http.Request, appendData bool) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	data, err := h.readBody(w, r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.svc.SubmitResultData(r.Context(), ref, data, appendData); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SubmitResultData handles POST /publix/{srid}/result-data
func (h *PublixHandler) SubmitResultData(w http.ResponseWriter, r *http.Request) {
	h.resultData(w, r, false)
}

// AppendResultData handles POST /publix/{srid}/result-data/append
func (h *PublixHandler) AppendResultData(w http.ResponseWriter, r *http.Request) {
	h.resultData(w, r, true)
}

// successful reads the "successful" query parameter; it defaults to true.
func successful(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("successful")
	if v == "" {
		return true, nil
	}
	ok, err := strconv.ParseBool(v)
	if err != nil {
		return false, publix.NewBadRequest("invalid value for successful: %q", v)
	}
	return ok, nil
}

// FinishComponent handles GET /publix/{srid}/finish-component
func (h *PublixHandler) FinishComponent(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok, err := successful(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	cookie, err := h.svc.FinishComponent(r.Context(), ref, ok, r.URL.Query().Get("errorMsg"))
	if err != nil {
		fail(w, r, err)
		return
	}
	h.jar.Write(w, cookie)
	w.WriteHeader(http.StatusOK)
}

// AbortStudy handles GET /publix/{srid}/abort
func (h *PublixHandler) AbortStudy(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	message := r.URL.Query().Get("message")
	end, err := h.svc.AbortStudy(r.Context(), ref, message)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.ended(w, r, ref.Cookie, end, message)
}

// FinishStudy handles GET /publix/{srid}/finish
func (h *PublixHandler) FinishStudy(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok, err := successful(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.endRun(w, r, ref, ok, r.URL.Query().Get("errorMsg"))
}

func (h *PublixHandler) endRun(w http.ResponseWriter, r *http.Request, ref publix.RunRef, ok bool, message string) {
	end, err := h.svc.FinishStudy(r.Context(), ref, ok, message)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.ended(w, r, ref.Cookie, end, message)
}

// ended drops the run's cookie and sends the caller on: AJAX callers get the
// confirmation code, browsers go to the end page.
func (h *PublixHandler) ended(w http.ResponseWriter, r *http.Request, cookie *idcookie.IdCookie, end *publix.RunEnd, message string) {
	h.jar.Discard(w, cookie)

	if middleware.IsAjax(r) {
		resp := models.FinishResponse{}
		if end.StudyResult.ConfirmationCode != nil {
			resp.ConfirmationCode = *end.StudyResult.ConfirmationCode
		}
		middleware.JSONResponse(w, http.StatusOK, resp)
		return
	}

	if message != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     FlashCookieName,
			Value:    url.QueryEscape(message),
			Path:     "/",
			MaxAge:   60,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	target := "/publix/" + end.StudyResult.ID + "/end"
	if end.Study.EndRedirectURL != "" {
		target = end.Study.EndRedirectURL
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Heartbeat handles POST /publix/{srid}/heartbeat
func (h *PublixHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := h.svc.Heartbeat(r.Context(), ref); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

const maxLogLine = 1000

// Log handles POST /publix/{srid}/log
// The study page's line goes to the server log, tagged with a hash of the client IP.
func (h *PublixHandler) Log(w http.ResponseWriter, r *http.Request) {
	ref, err := h.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxLogLine))
	r.Body.Close()
	if err != nil {
		fail(w, r, publix.NewBadRequest("could not read log line"))
		return
	}
	slog.Info("study log",
		"study_result_id", ref.Cookie.StudyResultID,
		"component_position", ref.Cookie.ComponentPosition,
		"client", hashClientIP(r, h.cfg.CookieSecret),
		"line", strings.TrimSpace(string(b)),
	)
	w.WriteHeader(http.StatusOK)
}

// End handles GET /publix/{srid}/end
func (h *PublixHandler) End(w http.ResponseWriter, r *http.Request) {
	end, err := h.svc.Outcome(r.Context(), r.PathValue("srid"))
	if err != nil {
		fail(w, r, err)
		return
	}
	code := ""
	if end.StudyResult.ConfirmationCode != nil {
		code = *end.StudyResult.ConfirmationCode
	}
	if middleware.IsAjax(r) {
		middleware.JSONResponse(w, http.StatusOK, models.FinishResponse{ConfirmationCode: code})
		return
	}

	message := ""
	if c, err := r.Cookie(FlashCookieName); err == nil {
		message, _ = url.QueryUnescape(c.Value)
		http.SetCookie(w, &http.Cookie{Name: FlashCookieName, Path: "/", MaxAge: -1})
	}
	if err := endPage.Execute(w, endPageData{
		Title:            end.Study.Title,
		State:            end.StudyResult.State,
		ConfirmationCode: code,
		Message:          message,
	}); err != nil {
		slog.Error("failed to render end page", "study_result_id", end.StudyResult.ID, "error", err)
	}
}
