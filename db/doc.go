// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package db handles the connection, schema and every query of the run protocol.

# Opening

Open selects the driver from the database type:

	conn, err := db.Open(cfg.DatabaseType, cfg.DatabaseURL)

PostgreSQL goes through lib/pq. SQLite goes through modernc.org/sqlite with
IMMEDIATE transactions, a busy timeout and foreign keys switched on.

# Schema Creation

CreateSchema initializes all required tables:

	if err := db.CreateSchema(conn); err != nil {
		log.Fatal(err)
	}

Safe to call multiple times - uses IF NOT EXISTS for all tables and indexes.

# Tables

  - study: Study metadata and the end redirect URL
  - study_member: Users allowed to run a study as Jatos workers
  - component: Ordered steps of a study
  - batch: Worker allow-list and group limits
  - worker: Participant identities
  - study_result: One run of a study
  - component_result: One visit of a component within a run
  - group_result: A group of concurrent runs with its shared session

# Relationships

	study 1──* component
	study 1──* batch
	batch 1──* group_result
	study_result 1──* component_result
	group_result 1──* study_result (active and history membership)

# Transactions

Every protocol operation runs in Store.InTx. Queries obtained there are bound to
the transaction; GetStudyResultForUpdate and LockBatch take row locks on
PostgreSQL.
*/
package db
