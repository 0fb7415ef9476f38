// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package group

import (
	"log/slog"
	"sync"
)

// Conn is the write side of a member's connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Channel is one member's open connection. Messages are queued and written by a
// dedicated goroutine, so a slow member never blocks the dispatcher. A member
// whose queue is full is disconnected.
type Channel struct {
	StudyResultID string

	conn Conn
	send chan Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewChannel(studyResultID string, conn Conn, buffer int) *Channel {
	if buffer <= 0 {
		buffer = 32
	}
	ch := &Channel{
		StudyResultID: studyResultID,
		conn:          conn,
		send:          make(chan Message, buffer),
		done:          make(chan struct{}),
	}
	go ch.writeLoop()
	return ch
}

func (ch *Channel) writeLoop() {
	defer close(ch.done)
	defer ch.conn.Close()

	for m := range ch.send {
		if err := ch.conn.WriteJSON(m); err != nil {
			slog.Debug("group channel write failed", "study_result_id", ch.StudyResultID, "error", err)
			ch.Close()
			// Drain so Send never blocks on a dead writer
			for range ch.send {
			}
			return
		}
	}
}

// Send queues a message. It returns false if the channel is closed or its queue is full.
func (ch *Channel) Send(m Message) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return false
	}
	select {
	case ch.send <- m:
		return true
	default:
		slog.Warn("group channel queue full, disconnecting", "study_result_id", ch.StudyResultID)
		ch.closeLocked()
		return false
	}
}

// Close stops accepting messages. Queued messages are still written before the
// connection closes.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.closeLocked()
	ch.mu.Unlock()
}

func (ch *Channel) closeLocked() {
	if !ch.closed {
		ch.closed = true
		close(ch.send)
	}
}

// Done is closed once the connection has been closed.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}
