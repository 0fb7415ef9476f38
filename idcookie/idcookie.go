// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package idcookie

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielhkuo/publix/auth"
)

// NamePrefix is followed by the cookie's index, e.g. PUBLIX_IDS_0.
const NamePrefix = "PUBLIX_IDS_"

var (
	ErrMalformed = errors.New("malformed id cookie")
	ErrNoCookie  = errors.New("no id cookie for this study run")
)

// IdCookie ties one browser tab's run to the server-side StudyResult.
type IdCookie struct {
	Index             int
	StudyResultID     string
	StudyResultUUID   string
	StudyID           string
	BatchID           string
	WorkerID          string
	WorkerType        string
	GroupResultID     string
	ComponentID       string
	ComponentResultID string
	ComponentPosition int
	StudyAssets       string
	RunState          string
	CreationTime      time.Time
}

// Name returns the cookie name for this cookie's index.
func (c *IdCookie) Name() string {
	return NamePrefix + strconv.Itoa(c.Index)
}

// Encode serializes the cookie and appends an HMAC signature.
func (c *IdCookie) Encode(secret string) string {
	v := url.Values{}
	v.Set("index", strconv.Itoa(c.Index))
	v.Set("studyResultId", c.StudyResultID)
	v.Set("studyResultUuid", c.StudyResultUUID)
	v.Set("studyId", c.StudyID)
	v.Set("batchId", c.BatchID)
	v.Set("workerId", c.WorkerID)
	v.Set("workerType", c.WorkerType)
	v.Set("groupResultId", c.GroupResultID)
	v.Set("componentId", c.ComponentID)
	v.Set("componentResultId", c.ComponentResultID)
	v.Set("componentPos", strconv.Itoa(c.ComponentPosition))
	v.Set("studyAssets", c.StudyAssets)
	v.Set("runState", c.RunState)
	v.Set("creationTime", strconv.FormatInt(c.CreationTime.UnixMilli(), 10))
	return auth.SignCookieValue(v.Encode(), secret)
}

// Decode verifies the signature and parses a cookie value.
func Decode(value, secret string) (*IdCookie, error) {
	payload, err := auth.VerifyCookieValue(value, secret)
	if err != nil {
		return nil, err
	}
	v, err := url.ParseQuery(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c := &IdCookie{
		StudyResultID:     v.Get("studyResultId"),
		StudyResultUUID:   v.Get("studyResultUuid"),
		StudyID:           v.Get("studyId"),
		BatchID:           v.Get("batchId"),
		WorkerID:          v.Get("workerId"),
		WorkerType:        v.Get("workerType"),
		GroupResultID:     v.Get("groupResultId"),
		ComponentID:       v.Get("componentId"),
		ComponentResultID: v.Get("componentResultId"),
		StudyAssets:       v.Get("studyAssets"),
		RunState:          v.Get("runState"),
	}
	if c.StudyResultID == "" || c.StudyID == "" || c.BatchID == "" || c.WorkerID == "" || c.WorkerType == "" {
		return nil, fmt.Errorf("%w: missing ids", ErrMalformed)
	}

	if c.Index, err = strconv.Atoi(v.Get("index")); err != nil {
		return nil, fmt.Errorf("%w: index", ErrMalformed)
	}
	if pos := v.Get("componentPos"); pos != "" {
		if c.ComponentPosition, err = strconv.Atoi(pos); err != nil {
			return nil, fmt.Errorf("%w: componentPos", ErrMalformed)
		}
	}
	ms, err := strconv.ParseInt(v.Get("creationTime"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: creationTime", ErrMalformed)
	}
	c.CreationTime = time.UnixMilli(ms).UTC()

	return c, nil
}

// IndexFromName extracts the index from a cookie name, or returns false if the
// name is not an id cookie name.
func IndexFromName(name string) (int, bool) {
	if !strings.HasPrefix(name, NamePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, NamePrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Find returns the cookie belonging to a study run.
func Find(cookies []IdCookie, studyResultID string) (*IdCookie, error) {
	for i := range cookies {
		if cookies[i].StudyResultID == studyResultID {
			return &cookies[i], nil
		}
	}
	return nil, ErrNoCookie
}

// Oldest returns the cookie with the earliest creation time.
func Oldest(cookies []IdCookie) *IdCookie {
	if len(cookies) == 0 {
		return nil
	}
	oldest := &cookies[0]
	for i := range cookies[1:] {
		c := &cookies[i+1]
		if c.CreationTime.Before(oldest.CreationTime) {
			oldest = c
		}
	}
	return oldest
}

// NextIndex picks the index for a new cookie. If all max slots are taken the
// oldest cookie is returned as evict and its index is reused.
func NextIndex(cookies []IdCookie, max int) (index int, evict *IdCookie) {
	if len(cookies) >= max {
		oldest := Oldest(cookies)
		return oldest.Index, oldest
	}

	used := make(map[int]bool, len(cookies))
	for _, c := range cookies {
		used[c.Index] = true
	}
	for i := 0; ; i++ {
		if !used[i] {
			return i, nil
		}
	}
}

func sortByIndex(cookies []IdCookie) {
	sort.Slice(cookies, func(i, j int) bool { return cookies[i].Index < cookies[j].Index })
}
