// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package publix implements the study-run protocol.

A Service owns every state change of a run. Each operation runs in one
database transaction that locks the run's study result row (and, for group
operations, the batch row first). Group channel notifications and run events
are sent only after the transaction commits.

# Starting a run

	res, err := svc.StartStudy(ctx, publix.StartRequest{
		StudyID:    studyID,
		BatchID:    batchID,
		WorkerType: models.WorkerGeneralMultiple,
		Cookies:    jar.Read(r),
	})

The worker category decides whether the start is allowed (see WorkerPolicy).
The returned cookie takes a free slot in the browser; when all slots are used
the oldest run is abandoned and its slot reused.

# Errors

Operations return *Error for expected failures. KindForbiddenReload is not a
failure to report: the caller ends the run with FinishStudy(false) and sends
the participant to the end page.
*/
package publix
