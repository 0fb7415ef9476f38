// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package idcookie

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/danielhkuo/publix/auth"
)

// GeneralSingleName maps study ids to the GeneralSingle worker this browser ran them with.
const GeneralSingleName = "PUBLIX_GENERALSINGLE"

// Jar reads and writes the signed cookies of the run protocol.
type Jar struct {
	secret string
	max    int
}

func NewJar(secret string, max int) *Jar {
	return &Jar{secret: secret, max: max}
}

// Max is the number of id cookies a browser may hold at once.
func (j *Jar) Max() int {
	return j.max
}

// Read returns the request's valid id cookies ordered by index.
// Cookies with a bad signature or a mismatched index are skipped.
func (j *Jar) Read(r *http.Request) []IdCookie {
	var cookies []IdCookie
	for _, hc := range r.Cookies() {
		index, ok := IndexFromName(hc.Name)
		if !ok {
			continue
		}
		c, err := Decode(hc.Value, j.secret)
		if err != nil || c.Index != index {
			slog.Warn("ignoring invalid id cookie", "name", hc.Name, "error", err)
			continue
		}
		cookies = append(cookies, *c)
	}
	sortByIndex(cookies)
	return cookies
}

// Resolve returns the id cookie of a run. A cookie that names the run but does
// not decode yields ErrMalformed; no cookie at all yields ErrNoCookie.
func (j *Jar) Resolve(r *http.Request, studyResultID string) (*IdCookie, error) {
	if studyResultID == "" {
		return nil, ErrNoCookie
	}
	marker := "studyResultId=" + url.QueryEscape(studyResultID)
	malformed := false
	for _, hc := range r.Cookies() {
		index, ok := IndexFromName(hc.Name)
		if !ok {
			continue
		}
		c, err := Decode(hc.Value, j.secret)
		if err != nil || c.Index != index {
			if strings.Contains(hc.Value, marker) {
				malformed = true
			}
			continue
		}
		if c.StudyResultID == studyResultID {
			return c, nil
		}
	}
	if malformed {
		return nil, ErrMalformed
	}
	return nil, ErrNoCookie
}

// Cookie builds the HTTP cookie for c.
func (j *Jar) Cookie(c *IdCookie) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name(),
		Value:    c.Encode(j.secret),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Write sets the cookie on the response.
func (j *Jar) Write(w http.ResponseWriter, c *IdCookie) {
	http.SetCookie(w, j.Cookie(c))
}

// Discard expires the cookie in the browser.
func (j *Jar) Discard(w http.ResponseWriter, c *IdCookie) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// GeneralSingleStudies returns the study id to worker id map recorded in the GeneralSingle cookie.
func (j *Jar) GeneralSingleStudies(r *http.Request) url.Values {
	hc, err := r.Cookie(GeneralSingleName)
	if err != nil {
		return url.Values{}
	}
	payload, err := auth.VerifyCookieValue(hc.Value, j.secret)
	if err != nil {
		return url.Values{}
	}
	v, err := url.ParseQuery(payload)
	if err != nil {
		return url.Values{}
	}
	return v
}

// GeneralSingleWorker returns the worker this browser used to run the study as a
// GeneralSingle worker, if any.
func (j *Jar) GeneralSingleWorker(r *http.Request, studyID string) (string, bool) {
	v := j.GeneralSingleStudies(r)
	if !v.Has(studyID) {
		return "", false
	}
	return v.Get(studyID), true
}

// AddGeneralSingle records the study and its worker in the GeneralSingle cookie.
func (j *Jar) AddGeneralSingle(w http.ResponseWriter, r *http.Request, studyID, workerID string) {
	v := j.GeneralSingleStudies(r)
	if v.Get(studyID) == workerID {
		return
	}
	v.Set(studyID, workerID)
	http.SetCookie(w, &http.Cookie{
		Name:     GeneralSingleName,
		Value:    auth.SignCookieValue(v.Encode(), j.secret),
		Path:     "/",
		MaxAge:   10 * 365 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
