// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package models defines domain, response, and error types for the study-run API.

# Domain Types

Static study definition:

  - Study: title, properties, group-study and preview flags
  - Component: one page of a study, ordered by position
  - Batch: allowed worker types and group/worker limits

Run state:

  - Worker: a participant identity, one of seven worker types
  - StudyResult: one run attempt of a worker
  - ComponentResult: one execution of a component inside a run
  - GroupResult: a real-time group of concurrent runs of one batch

# Response Types

  - InitData: everything a component needs when it loads
  - GroupResponse: group membership after join/reassign
  - FinishResponse: confirmation code for AJAX finish calls
  - ErrorResponse: error, message

# Constants

Worker types:

	WorkerJatos, WorkerMTurk, WorkerMTurkSandbox,
	WorkerPersonalSingle, WorkerPersonalMultiple,
	WorkerGeneralSingle, WorkerGeneralMultiple

StudyResult states:

	PRE → STARTED → DATA_RETRIEVED → FINISHED | FAIL | ABORTED

ComponentResult states:

	STARTED → DATA_RETRIEVED → RESULTDATA_POSTED → FINISHED | FAIL
	(RELOADED and ABORTED are set by reloads and aborts)

GroupResult states:

	STARTED ↔ FIXED
*/
package models
