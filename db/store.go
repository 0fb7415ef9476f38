// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielhkuo/publix/models"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the connection pool and hands out Queries bound to a transaction.
type Store struct {
	db      *sql.DB
	dialect string
}

func NewStore(db *sql.DB, dialect string) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Queries returns queries that run outside any transaction.
func (s *Store) Queries() *Queries {
	return &Queries{db: s.db, dialect: s.dialect}
}

// InTx runs fn in a single transaction. The transaction commits only if fn returns nil.
// Inside fn, every statement must go through q; on a single-connection pool a query
// against the Store itself would wait forever for the connection the transaction holds.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{db: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Queries holds every statement the run protocol issues.
type Queries struct {
	db      DBTX
	dialect string
}

// forUpdate locks selected rows on PostgreSQL. SQLite transactions are begun
// IMMEDIATE, which already serializes writers.
func (q *Queries) forUpdate() string {
	if q.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func fromNullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	n := int(ni.Int64)
	return &n
}

type scanner interface {
	Scan(dest ...any) error
}

// Studies

const studyColumns = `id, uuid, title, description, json_data, group_study, allow_preview,
	end_redirect_url, dir_name, created_at`

func scanStudy(row scanner) (*models.Study, error) {
	var s models.Study
	var redirect sql.NullString
	err := row.Scan(&s.ID, &s.UUID, &s.Title, &s.Description, &s.JSONData, &s.GroupStudy,
		&s.AllowPreview, &redirect, &s.DirName, &s.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	s.EndRedirectURL = redirect.String
	return &s, nil
}

func (q *Queries) GetStudy(ctx context.Context, id string) (*models.Study, error) {
	return scanStudy(q.db.QueryRowContext(ctx,
		`SELECT `+studyColumns+` FROM study WHERE id = $1`, id))
}

func (q *Queries) InsertStudy(ctx context.Context, s *models.Study) error {
	var redirect sql.NullString
	if s.EndRedirectURL != "" {
		redirect = sql.NullString{String: s.EndRedirectURL, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO study (`+studyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.UUID, s.Title, s.Description, s.JSONData, s.GroupStudy, s.AllowPreview,
		redirect, s.DirName, s.CreatedAt)
	return err
}

func (q *Queries) AddStudyMember(ctx context.Context, studyID, email string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO study_member (study_id, user_email) VALUES ($1, $2)
		ON CONFLICT (study_id, user_email) DO NOTHING
	`, studyID, email)
	return err
}

func (q *Queries) IsStudyMember(ctx context.Context, studyID, email string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM study_member WHERE study_id = $1 AND user_email = $2`,
		studyID, email).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Components

const componentColumns = `id, study_id, position, title, active, reloadable, html_file_path, json_data`

func scanComponent(row scanner) (*models.Component, error) {
	var c models.Component
	err := row.Scan(&c.ID, &c.StudyID, &c.Position, &c.Title, &c.Active, &c.Reloadable,
		&c.HTMLFilePath, &c.JSONData)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListComponents returns all components of a study ordered by position.
func (q *Queries) ListComponents(ctx context.Context, studyID string) ([]models.Component, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+componentColumns+` FROM component WHERE study_id = $1 ORDER BY position`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var components []models.Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		components = append(components, *c)
	}
	return components, rows.Err()
}

func (q *Queries) InsertComponent(ctx context.Context, c *models.Component) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO component (`+componentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, c.ID, c.StudyID, c.Position, c.Title, c.Active, c.Reloadable, c.HTMLFilePath, c.JSONData)
	return err
}

// Batches

const batchColumns = `id, study_id, title, active, allowed_worker_types,
	max_active_members, max_total_members, max_total_workers, json_data`

func scanBatch(row scanner) (*models.Batch, error) {
	var b models.Batch
	var allowed string
	var maxActive, maxTotal, maxWorkers sql.NullInt64
	err := row.Scan(&b.ID, &b.StudyID, &b.Title, &b.Active, &allowed,
		&maxActive, &maxTotal, &maxWorkers, &b.JSONData)
	if err != nil {
		return nil, notFound(err)
	}
	if allowed != "" {
		b.AllowedWorkerTypes = strings.Split(allowed, ",")
	}
	b.MaxActiveMembers = fromNullInt(maxActive)
	b.MaxTotalMembers = fromNullInt(maxTotal)
	b.MaxTotalWorkers = fromNullInt(maxWorkers)
	return &b, nil
}

func (q *Queries) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	return scanBatch(q.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batch WHERE id = $1`, id))
}

// LockBatch reads a batch and, on PostgreSQL, holds its row lock until the
// transaction ends. Group membership changes in a batch serialize on this lock.
func (q *Queries) LockBatch(ctx context.Context, id string) (*models.Batch, error) {
	return scanBatch(q.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batch WHERE id = $1`+q.forUpdate(), id))
}

// ListBatches returns the batches of a study in id order.
func (q *Queries) ListBatches(ctx context.Context, studyID string) ([]models.Batch, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batch WHERE study_id = $1 ORDER BY id`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (q *Queries) InsertBatch(ctx context.Context, b *models.Batch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO batch (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, b.ID, b.StudyID, b.Title, b.Active, strings.Join(b.AllowedWorkerTypes, ","),
		nullInt(b.MaxActiveMembers), nullInt(b.MaxTotalMembers), nullInt(b.MaxTotalWorkers), b.JSONData)
	return err
}

// CountBatchWorkers counts distinct workers that have ever run in the batch.
func (q *Queries) CountBatchWorkers(ctx context.Context, batchID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT worker_id) FROM study_result WHERE batch_id = $1`, batchID).Scan(&n)
	return n, err
}

// Workers

const workerColumns = `id, worker_type, mturk_worker_id, user_email, batch_id, comment, created_at`

func scanWorker(row scanner) (*models.Worker, error) {
	var w models.Worker
	var mturk, email, batch sql.NullString
	err := row.Scan(&w.ID, &w.Type, &mturk, &email, &batch, &w.Comment, &w.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	w.MTurkWorkerID = fromNullString(mturk)
	w.UserEmail = fromNullString(email)
	w.BatchID = fromNullString(batch)
	return &w, nil
}

func (q *Queries) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	return scanWorker(q.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM worker WHERE id = $1`, id))
}

// FindMTurkWorker looks up an MTurk or MTurkSandbox worker by its MTurk worker id.
func (q *Queries) FindMTurkWorker(ctx context.Context, workerType, mturkWorkerID string) (*models.Worker, error) {
	return scanWorker(q.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM worker WHERE worker_type = $1 AND mturk_worker_id = $2`,
		workerType, mturkWorkerID))
}

// FindJatosWorker looks up the Jatos worker belonging to a user.
func (q *Queries) FindJatosWorker(ctx context.Context, email string) (*models.Worker, error) {
	return scanWorker(q.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM worker WHERE worker_type = $1 AND user_email = $2`,
		models.WorkerJatos, email))
}

func (q *Queries) InsertWorker(ctx context.Context, w *models.Worker) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO worker (`+workerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, w.ID, w.Type, nullString(w.MTurkWorkerID), nullString(w.UserEmail), nullString(w.BatchID),
		w.Comment, w.CreatedAt)
	return err
}

// Study results

const studyResultColumns = `id, uuid, study_id, batch_id, worker_id, worker_type, state,
	start_date, end_date, last_seen_date, study_session_data, confirmation_code, error_msg,
	abort_msg, url_query_parameters, active_group_id, history_group_id`

func scanStudyResult(row scanner) (*models.StudyResult, error) {
	var sr models.StudyResult
	var endDate sql.NullTime
	var code, errMsg, abortMsg, active, history sql.NullString
	err := row.Scan(&sr.ID, &sr.UUID, &sr.StudyID, &sr.BatchID, &sr.WorkerID, &sr.WorkerType,
		&sr.State, &sr.StartDate, &endDate, &sr.LastSeenDate, &sr.StudySessionData, &code,
		&errMsg, &abortMsg, &sr.URLQueryParameters, &active, &history)
	if err != nil {
		return nil, notFound(err)
	}
	sr.StartDate = sr.StartDate.UTC()
	sr.LastSeenDate = sr.LastSeenDate.UTC()
	sr.EndDate = fromNullTime(endDate)
	sr.ConfirmationCode = fromNullString(code)
	sr.ErrorMsg = fromNullString(errMsg)
	sr.AbortMsg = fromNullString(abortMsg)
	sr.ActiveGroupID = fromNullString(active)
	sr.HistoryGroupID = fromNullString(history)
	return &sr, nil
}

func (q *Queries) GetStudyResult(ctx context.Context, id string) (*models.StudyResult, error) {
	return scanStudyResult(q.db.QueryRowContext(ctx,
		`SELECT `+studyResultColumns+` FROM study_result WHERE id = $1`, id))
}

// GetStudyResultForUpdate reads a study result and locks it for the rest of the transaction.
func (q *Queries) GetStudyResultForUpdate(ctx context.Context, id string) (*models.StudyResult, error) {
	return scanStudyResult(q.db.QueryRowContext(ctx,
		`SELECT `+studyResultColumns+` FROM study_result WHERE id = $1`+q.forUpdate(), id))
}

func (q *Queries) listStudyResults(ctx context.Context, where string, args ...any) ([]models.StudyResult, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+studyResultColumns+` FROM study_result WHERE `+where+` ORDER BY start_date, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.StudyResult
	for rows.Next() {
		sr, err := scanStudyResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *sr)
	}
	return results, rows.Err()
}

// ListWorkerStudyResults returns a worker's runs of one study, oldest first.
func (q *Queries) ListWorkerStudyResults(ctx context.Context, workerID, studyID string) ([]models.StudyResult, error) {
	return q.listStudyResults(ctx, `worker_id = $1 AND study_id = $2`, workerID, studyID)
}

// ListStaleStudyResults returns unfinished runs not seen since before.
func (q *Queries) ListStaleStudyResults(ctx context.Context, before time.Time) ([]models.StudyResult, error) {
	return q.listStudyResults(ctx,
		`state IN ($1, $2, $3) AND last_seen_date < $4`,
		models.StudyPre, models.StudyStarted, models.StudyDataRetrieved, before)
}

// ListGroupMembers returns the runs whose active group is groupID.
func (q *Queries) ListGroupMembers(ctx context.Context, groupID string) ([]models.StudyResult, error) {
	return q.listStudyResults(ctx, `active_group_id = $1`, groupID)
}

func (q *Queries) InsertStudyResult(ctx context.Context, sr *models.StudyResult) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO study_result (`+studyResultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, sr.ID, sr.UUID, sr.StudyID, sr.BatchID, sr.WorkerID, sr.WorkerType, sr.State,
		sr.StartDate, nullTime(sr.EndDate), sr.LastSeenDate, sr.StudySessionData,
		nullString(sr.ConfirmationCode), nullString(sr.ErrorMsg), nullString(sr.AbortMsg),
		sr.URLQueryParameters, nullString(sr.ActiveGroupID), nullString(sr.HistoryGroupID))
	return err
}

// UpdateStudyResult writes back every mutable column of a study result.
func (q *Queries) UpdateStudyResult(ctx context.Context, sr *models.StudyResult) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE study_result
		SET state = $1, end_date = $2, last_seen_date = $3, study_session_data = $4,
			confirmation_code = $5, error_msg = $6, abort_msg = $7,
			active_group_id = $8, history_group_id = $9
		WHERE id = $10
	`, sr.State, nullTime(sr.EndDate), sr.LastSeenDate, sr.StudySessionData,
		nullString(sr.ConfirmationCode), nullString(sr.ErrorMsg), nullString(sr.AbortMsg),
		nullString(sr.ActiveGroupID), nullString(sr.HistoryGroupID), sr.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// TouchStudyResult records that the run's page was seen at now.
func (q *Queries) TouchStudyResult(ctx context.Context, id string, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE study_result SET last_seen_date = $1 WHERE id = $2`, now, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Component results

const componentResultColumns = `id, study_result_id, component_id, state, start_date, end_date, data, error_msg`

func scanComponentResult(row scanner) (*models.ComponentResult, error) {
	var cr models.ComponentResult
	var endDate sql.NullTime
	var data, errMsg sql.NullString
	err := row.Scan(&cr.ID, &cr.StudyResultID, &cr.ComponentID, &cr.State, &cr.StartDate,
		&endDate, &data, &errMsg)
	if err != nil {
		return nil, notFound(err)
	}
	cr.StartDate = cr.StartDate.UTC()
	cr.EndDate = fromNullTime(endDate)
	cr.Data = fromNullString(data)
	cr.ErrorMsg = fromNullString(errMsg)
	return &cr, nil
}

func (q *Queries) GetComponentResult(ctx context.Context, id string) (*models.ComponentResult, error) {
	return scanComponentResult(q.db.QueryRowContext(ctx,
		`SELECT `+componentResultColumns+` FROM component_result WHERE id = $1`, id))
}

// ListComponentResults returns the component results of a run in creation order.
func (q *Queries) ListComponentResults(ctx context.Context, studyResultID string) ([]models.ComponentResult, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+componentResultColumns+` FROM component_result WHERE study_result_id = $1 ORDER BY seq`,
		studyResultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.ComponentResult
	for rows.Next() {
		cr, err := scanComponentResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *cr)
	}
	return results, rows.Err()
}

// LastComponentResult returns the most recently created component result of a run.
func (q *Queries) LastComponentResult(ctx context.Context, studyResultID string) (*models.ComponentResult, error) {
	return scanComponentResult(q.db.QueryRowContext(ctx, `
		SELECT `+componentResultColumns+` FROM component_result
		WHERE study_result_id = $1 ORDER BY seq DESC LIMIT 1
	`, studyResultID))
}

// InsertComponentResult appends a component result after the run's existing ones.
func (q *Queries) InsertComponentResult(ctx context.Context, cr *models.ComponentResult) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO component_result (id, study_result_id, component_id, seq, state, start_date, end_date, data, error_msg)
		VALUES ($1, $2, $3,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM component_result WHERE study_result_id = $2),
			$4, $5, $6, $7, $8)
	`, cr.ID, cr.StudyResultID, cr.ComponentID, cr.State, cr.StartDate, nullTime(cr.EndDate),
		nullString(cr.Data), nullString(cr.ErrorMsg))
	return err
}

func (q *Queries) UpdateComponentResult(ctx context.Context, cr *models.ComponentResult) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE component_result SET state = $1, end_date = $2, data = $3, error_msg = $4
		WHERE id = $5
	`, cr.State, nullTime(cr.EndDate), nullString(cr.Data), nullString(cr.ErrorMsg), cr.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Group results

const groupResultColumns = `id, batch_id, state, session_version, session_data, start_date`

func scanGroupResult(row scanner) (*models.GroupResult, error) {
	var g models.GroupResult
	err := row.Scan(&g.ID, &g.BatchID, &g.State, &g.SessionVersion, &g.SessionData, &g.StartDate)
	if err != nil {
		return nil, notFound(err)
	}
	g.StartDate = g.StartDate.UTC()
	return &g, nil
}

func (q *Queries) GetGroupResult(ctx context.Context, id string) (*models.GroupResult, error) {
	return scanGroupResult(q.db.QueryRowContext(ctx,
		`SELECT `+groupResultColumns+` FROM group_result WHERE id = $1`, id))
}

func (q *Queries) InsertGroupResult(ctx context.Context, g *models.GroupResult) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO group_result (`+groupResultColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.BatchID, g.State, g.SessionVersion, g.SessionData, g.StartDate)
	return err
}

func (q *Queries) SetGroupState(ctx context.Context, id, state string) error {
	res, err := q.db.ExecContext(ctx, `UPDATE group_result SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateGroupSession replaces the session data only if the stored version still
// equals expectedVersion, and bumps the version. It reports whether the write happened.
func (q *Queries) UpdateGroupSession(ctx context.Context, id string, expectedVersion int64, data string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE group_result SET session_data = $1, session_version = session_version + 1
		WHERE id = $2 AND session_version = $3
	`, data, id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddGroupMemberHistory records that the study result has been a member of the group.
// Recording the same membership twice is a no-op.
func (q *Queries) AddGroupMemberHistory(ctx context.Context, groupID, studyResultID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO group_member_history (group_result_id, study_result_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, groupID, studyResultID)
	return err
}

// ListGroupCandidates returns the STARTED groups of a batch with their member counts.
// Active members have the group as their active group; total members include
// everyone who has ever been in it, as kept in group_member_history.
func (q *Queries) ListGroupCandidates(ctx context.Context, batchID string) ([]models.GroupCandidate, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT g.id, g.batch_id, g.state, g.session_version, g.session_data, g.start_date,
			(SELECT COUNT(*) FROM study_result sr WHERE sr.active_group_id = g.id),
			(SELECT COUNT(*) FROM group_member_history h WHERE h.group_result_id = g.id)
		FROM group_result g
		WHERE g.batch_id = $1 AND g.state = $2
		ORDER BY g.start_date, g.id
	`, batchID, models.GroupStarted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []models.GroupCandidate
	for rows.Next() {
		var c models.GroupCandidate
		g := &c.Group
		if err := rows.Scan(&g.ID, &g.BatchID, &g.State, &g.SessionVersion, &g.SessionData,
			&g.StartDate, &c.ActiveMembers, &c.TotalMembers); err != nil {
			return nil, err
		}
		g.StartDate = g.StartDate.UTC()
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}
