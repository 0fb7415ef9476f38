// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event kinds double as AMQP routing keys.
const (
	RunStarted   = "run.started"
	RunFinished  = "run.finished"
	RunFailed    = "run.failed"
	RunAborted   = "run.aborted"
	RunAbandoned = "run.abandoned"
	GroupJoined  = "group.joined"
	GroupLeft    = "group.left"
)

// Event describes one change in a run's lifecycle.
type Event struct {
	Kind          string    `json:"kind"`
	StudyID       string    `json:"studyId"`
	BatchID       string    `json:"batchId"`
	StudyResultID string    `json:"studyResultId"`
	WorkerID      string    `json:"workerId"`
	WorkerType    string    `json:"workerType"`
	GroupResultID string    `json:"groupResultId,omitempty"`
	Message       string    `json:"message,omitempty"`
	Time          time.Time `json:"time"`
}

// Publisher delivers events after the change they describe has been committed.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	slog.Info("run event",
		"kind", e.Kind,
		"study_id", e.StudyID,
		"batch_id", e.BatchID,
		"study_result_id", e.StudyResultID,
		"worker_type", e.WorkerType,
		"group_result_id", e.GroupResultID,
	)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}
