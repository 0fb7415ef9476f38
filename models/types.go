package models

import "time"

// Worker types
const (
	WorkerJatos            = "Jatos"
	WorkerMTurk            = "MTurk"
	WorkerMTurkSandbox     = "MTurkSandbox"
	WorkerPersonalSingle   = "PersonalSingle"
	WorkerPersonalMultiple = "PersonalMultiple"
	WorkerGeneralSingle    = "GeneralSingle"
	WorkerGeneralMultiple  = "GeneralMultiple"
)

// AllWorkerTypes lists every worker type in a stable order.
var AllWorkerTypes = []string{
	WorkerJatos,
	WorkerMTurk,
	WorkerMTurkSandbox,
	WorkerPersonalSingle,
	WorkerPersonalMultiple,
	WorkerGeneralSingle,
	WorkerGeneralMultiple,
}

// StudyResult states
const (
	StudyPre           = "PRE"
	StudyStarted       = "STARTED"
	StudyDataRetrieved = "DATA_RETRIEVED"
	StudyFinished      = "FINISHED"
	StudyFail          = "FAIL"
	StudyAborted       = "ABORTED"
)

// ComponentResult states
const (
	ComponentStarted          = "STARTED"
	ComponentDataRetrieved    = "DATA_RETRIEVED"
	ComponentResultDataPosted = "RESULTDATA_POSTED"
	ComponentFinished         = "FINISHED"
	ComponentFail             = "FAIL"
	ComponentReloaded         = "RELOADED"
	ComponentAborted          = "ABORTED"
)

// GroupResult states
const (
	GroupStarted = "STARTED"
	GroupFixed   = "FIXED"
)

// IdCookie run states
const (
	RunStudyStart        = "RUN_STUDY_START"
	RunComponentStart    = "RUN_COMPONENT_START"
	RunComponentFinished = "RUN_COMPONENT_FINISHED"
	RunStudyFinished     = "RUN_STUDY_FINISHED"
)

const (
	// EmptySessionData is stored instead of a blank group session.
	EmptySessionData = "{}"
	AbandonedMessage = "abandoned"
)

// Domain types

type Study struct {
	ID             string    `json:"id"`
	UUID           string    `json:"uuid"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	JSONData       string    `json:"jsonData"`
	GroupStudy     bool      `json:"groupStudy"`
	AllowPreview   bool      `json:"allowPreview"`
	EndRedirectURL string    `json:"endRedirectUrl,omitempty"`
	DirName        string    `json:"dirName"`
	CreatedAt      time.Time `json:"-"`
}

type Component struct {
	ID           string `json:"id"`
	StudyID      string `json:"studyId"`
	Position     int    `json:"position"`
	Title        string `json:"title"`
	Active       bool   `json:"active"`
	Reloadable   bool   `json:"reloadable"`
	HTMLFilePath string `json:"htmlFilePath"`
	JSONData     string `json:"jsonData"`
}

type Batch struct {
	ID                 string   `json:"id"`
	StudyID            string   `json:"studyId"`
	Title              string   `json:"title"`
	Active             bool     `json:"active"`
	AllowedWorkerTypes []string `json:"allowedWorkerTypes"`
	MaxActiveMembers   *int     `json:"maxActiveMembers,omitempty"`
	MaxTotalMembers    *int     `json:"maxTotalMembers,omitempty"`
	MaxTotalWorkers    *int     `json:"maxTotalWorkers,omitempty"`
	JSONData           string   `json:"jsonData"`
}

// AllowsWorkerType reports whether the batch's allow-list contains workerType.
func (b *Batch) AllowsWorkerType(workerType string) bool {
	for _, t := range b.AllowedWorkerTypes {
		if t == workerType {
			return true
		}
	}
	return false
}

type Worker struct {
	ID            string    `json:"id"`
	Type          string    `json:"workerType"`
	MTurkWorkerID *string   `json:"mturkWorkerId,omitempty"`
	UserEmail     *string   `json:"userEmail,omitempty"`
	BatchID       *string   `json:"batchId,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type StudyResult struct {
	ID                 string     `json:"id"`
	UUID               string     `json:"uuid"`
	StudyID            string     `json:"studyId"`
	BatchID            string     `json:"batchId"`
	WorkerID           string     `json:"workerId"`
	WorkerType         string     `json:"workerType"`
	State              string     `json:"state"`
	StartDate          time.Time  `json:"startDate"`
	EndDate            *time.Time `json:"endDate,omitempty"`
	LastSeenDate       time.Time  `json:"lastSeenDate"`
	StudySessionData   string     `json:"studySessionData"`
	ConfirmationCode   *string    `json:"confirmationCode,omitempty"`
	ErrorMsg           *string    `json:"errorMsg,omitempty"`
	AbortMsg           *string    `json:"abortMsg,omitempty"`
	URLQueryParameters string     `json:"urlQueryParameters"`
	ActiveGroupID      *string    `json:"activeGroupId,omitempty"`
	HistoryGroupID     *string    `json:"historyGroupId,omitempty"`
}

type ComponentResult struct {
	ID            string     `json:"id"`
	StudyResultID string     `json:"studyResultId"`
	ComponentID   string     `json:"componentId"`
	State         string     `json:"state"`
	StartDate     time.Time  `json:"startDate"`
	EndDate       *time.Time `json:"endDate,omitempty"`
	Data          *string    `json:"data,omitempty"`
	ErrorMsg      *string    `json:"errorMsg,omitempty"`
}

type GroupResult struct {
	ID             string    `json:"id"`
	BatchID        string    `json:"batchId"`
	State          string    `json:"state"`
	SessionVersion int64     `json:"sessionVersion"`
	SessionData    string    `json:"sessionData"`
	StartDate      time.Time `json:"startDate"`
}

// GroupCandidate is a group together with its member counts, used for selection.
type GroupCandidate struct {
	Group         GroupResult
	ActiveMembers int
	TotalMembers  int
}

// Response types

type StudyProperties struct {
	ID          string `json:"id"`
	UUID        string `json:"uuid"`
	Title       string `json:"title"`
	Description string `json:"description"`
	GroupStudy  bool   `json:"groupStudy"`
	JSONData    string `json:"jsonData"`
}

type ComponentSummary struct {
	ID         string `json:"id"`
	Position   int    `json:"position"`
	Title      string `json:"title"`
	Active     bool   `json:"active"`
	Reloadable bool   `json:"reloadable"`
}

type ComponentProperties struct {
	ID         string `json:"id"`
	Position   int    `json:"position"`
	Title      string `json:"title"`
	Reloadable bool   `json:"reloadable"`
	JSONData   string `json:"jsonData"`
}

type BatchProperties struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	JSONData string `json:"jsonData"`
}

type InitData struct {
	StudyResultID      string              `json:"studyResultId"`
	StudyResultUUID    string              `json:"studyResultUuid"`
	ComponentResultID  string              `json:"componentResultId"`
	WorkerID           string              `json:"workerId"`
	WorkerType         string              `json:"workerType"`
	StudySessionData   string              `json:"studySessionData"`
	StudyProperties    StudyProperties     `json:"studyProperties"`
	StudyComponentList []ComponentSummary  `json:"studyComponentList"`
	ComponentProps     ComponentProperties `json:"componentProperties"`
	BatchProperties    BatchProperties     `json:"batchProperties"`
	URLQueryParameters string              `json:"urlQueryParameters"`
}

type GroupResponse struct {
	GroupResultID  string   `json:"groupResultId"`
	GroupState     string   `json:"groupState"`
	Members        []string `json:"members"`
	SessionVersion int64    `json:"sessionVersion"`
}

type ComponentStartResponse struct {
	ComponentResultID string `json:"componentResultId"`
	Position          int    `json:"position"`
	URL               string `json:"url"`
}

type FinishResponse struct {
	ConfirmationCode string `json:"confirmationCode,omitempty"`
}

// Error response

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
