// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package db

import (
	"database/sql"
	"fmt"
)

// CreateSchema creates all tables needed for the application.
// Safe to call multiple times - uses IF NOT EXISTS.
// The DDL sticks to types both PostgreSQL and SQLite understand.
func CreateSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

const schema = `
-- Studies
CREATE TABLE IF NOT EXISTS study (
    id TEXT PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    json_data TEXT NOT NULL DEFAULT '',
    group_study BOOLEAN NOT NULL DEFAULT FALSE,
    allow_preview BOOLEAN NOT NULL DEFAULT FALSE,
    end_redirect_url TEXT,
    dir_name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

-- Users allowed to run a study as Jatos workers
CREATE TABLE IF NOT EXISTS study_member (
    study_id TEXT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
    user_email TEXT NOT NULL,
    PRIMARY KEY (study_id, user_email)
);

-- Components
CREATE TABLE IF NOT EXISTS component (
    id TEXT PRIMARY KEY,
    study_id TEXT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    title TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    reloadable BOOLEAN NOT NULL DEFAULT FALSE,
    html_file_path TEXT NOT NULL DEFAULT '',
    json_data TEXT NOT NULL DEFAULT '',
    UNIQUE (study_id, position)
);

CREATE INDEX IF NOT EXISTS idx_component_study_id ON component(study_id);

-- Batches
CREATE TABLE IF NOT EXISTS batch (
    id TEXT PRIMARY KEY,
    study_id TEXT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    allowed_worker_types TEXT NOT NULL DEFAULT '',
    max_active_members INTEGER,
    max_total_members INTEGER,
    max_total_workers INTEGER,
    json_data TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_batch_study_id ON batch(study_id);

-- Workers
CREATE TABLE IF NOT EXISTS worker (
    id TEXT PRIMARY KEY,
    worker_type TEXT NOT NULL,
    mturk_worker_id TEXT,
    user_email TEXT,
    batch_id TEXT REFERENCES batch(id) ON DELETE SET NULL,
    comment TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_worker_mturk ON worker(worker_type, mturk_worker_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_worker_user_email ON worker(worker_type, user_email);

-- Group results
CREATE TABLE IF NOT EXISTS group_result (
    id TEXT PRIMARY KEY,
    batch_id TEXT NOT NULL REFERENCES batch(id) ON DELETE CASCADE,
    state TEXT NOT NULL CHECK (state IN ('STARTED', 'FIXED')),
    session_version BIGINT NOT NULL DEFAULT 1,
    session_data TEXT NOT NULL DEFAULT '{}',
    start_date TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_group_result_batch ON group_result(batch_id, state);

-- Study results
CREATE TABLE IF NOT EXISTS study_result (
    id TEXT PRIMARY KEY,
    uuid TEXT NOT NULL UNIQUE,
    study_id TEXT NOT NULL REFERENCES study(id) ON DELETE CASCADE,
    batch_id TEXT NOT NULL REFERENCES batch(id) ON DELETE CASCADE,
    worker_id TEXT NOT NULL REFERENCES worker(id) ON DELETE CASCADE,
    worker_type TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('PRE', 'STARTED', 'DATA_RETRIEVED', 'FINISHED', 'FAIL', 'ABORTED')),
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP,
    last_seen_date TIMESTAMP NOT NULL,
    study_session_data TEXT NOT NULL DEFAULT '',
    confirmation_code TEXT,
    error_msg TEXT,
    abort_msg TEXT,
    url_query_parameters TEXT NOT NULL DEFAULT '',
    active_group_id TEXT REFERENCES group_result(id) ON DELETE SET NULL,
    history_group_id TEXT REFERENCES group_result(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_study_result_worker ON study_result(worker_id, study_id);
CREATE INDEX IF NOT EXISTS idx_study_result_batch ON study_result(batch_id);
CREATE INDEX IF NOT EXISTS idx_study_result_active_group ON study_result(active_group_id);

-- Every group a study result has ever been a member of
CREATE TABLE IF NOT EXISTS group_member_history (
    group_result_id TEXT NOT NULL REFERENCES group_result(id) ON DELETE CASCADE,
    study_result_id TEXT NOT NULL REFERENCES study_result(id) ON DELETE CASCADE,
    PRIMARY KEY (group_result_id, study_result_id)
);

-- Component results
CREATE TABLE IF NOT EXISTS component_result (
    id TEXT PRIMARY KEY,
    study_result_id TEXT NOT NULL REFERENCES study_result(id) ON DELETE CASCADE,
    component_id TEXT NOT NULL REFERENCES component(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('STARTED', 'DATA_RETRIEVED', 'RESULTDATA_POSTED', 'FINISHED', 'FAIL', 'RELOADED', 'ABORTED')),
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP,
    data TEXT,
    error_msg TEXT,
    UNIQUE (study_result_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_component_result_study_result ON component_result(study_result_id);
`
