// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streadway/amqp"
)

var (
	ErrPublisherClosed = errors.New("publisher closed")
	ErrQueueFull       = errors.New("event queue full")
)

const defaultQueueSize = 1024

// AMQPPublisher sends events to a durable topic exchange, one routing key per
// event kind. Publish only queues the event; a single goroutine delivers queued
// events and reconnects to the broker when a delivery fails.
type AMQPPublisher struct {
	url        string
	exchange   string
	retries    int
	retryDelay time.Duration

	queue     chan Event
	stop      chan struct{}
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// Owned by the delivery goroutine once it runs
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher connects to the broker, trying up to retries times, and
// starts delivering events.
func NewAMQPPublisher(url, exchange string, retries int) (*AMQPPublisher, error) {
	p := newAMQPPublisher(url, exchange, retries, defaultQueueSize)
	if err := p.connect(); err != nil {
		return nil, err
	}
	go p.run()
	return p, nil
}

func newAMQPPublisher(url, exchange string, retries, queueSize int) *AMQPPublisher {
	if retries < 1 {
		retries = 1
	}
	return &AMQPPublisher{
		url:        url,
		exchange:   exchange,
		retries:    retries,
		retryDelay: 2 * time.Second,
		queue:      make(chan Event, queueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// wait sleeps for d and reports false if the publisher was closed meanwhile.
func (p *AMQPPublisher) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.stop:
		return false
	}
}

func (p *AMQPPublisher) connect() error {
	var conn *amqp.Connection
	var err error
	for i := 1; i <= p.retries; i++ {
		conn, err = amqp.Dial(p.url)
		if err == nil {
			break
		}
		slog.Warn("amqp connect failed", "attempt", i, "max", p.retries, "error", err)
		if i < p.retries && !p.wait(p.retryDelay) {
			return ErrPublisherClosed
		}
	}
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.ch = ch
	slog.Info("amqp publisher connected", "exchange", p.exchange)
	return nil
}

// Publish queues the event for delivery and never waits for the broker. When
// the queue is full the event is dropped and ErrQueueFull returned.
func (p *AMQPPublisher) Publish(_ context.Context, e Event) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- e:
		return nil
	default:
		slog.Warn("amqp event queue full, dropping event", "kind", e.Kind, "study_result_id", e.StudyResultID)
		return ErrQueueFull
	}
}

func (p *AMQPPublisher) run() {
	defer close(p.done)
	defer p.closeConn()

	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case <-p.stop:
			// Hand over what is already queued while the connection is still good
			for {
				select {
				case e := <-p.queue:
					if p.ch == nil || p.send(e) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// deliver sends e, reconnecting once if the channel is gone or the send fails.
func (p *AMQPPublisher) deliver(e Event) {
	if p.ch != nil {
		err := p.send(e)
		if err == nil {
			return
		}
		slog.Warn("amqp publish failed, reconnecting", "kind", e.Kind, "error", err)
		p.closeConn()
	}

	if err := p.connect(); err != nil {
		slog.Error("amqp reconnect failed, dropping event", "kind", e.Kind, "study_result_id", e.StudyResultID, "error", err)
		return
	}
	if err := p.send(e); err != nil {
		slog.Error("amqp publish failed after reconnect", "kind", e.Kind, "study_result_id", e.StudyResultID, "error", err)
		p.closeConn()
	}
}

func (p *AMQPPublisher) send(e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.ch.Publish(p.exchange, e.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
	})
}

func (p *AMQPPublisher) closeConn() {
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if !p.conn.IsClosed() {
			p.conn.Close()
		}
		p.conn = nil
	}
}

// Close stops accepting events, delivers what is queued if the broker is
// reachable and waits for the delivery goroutine to exit.
func (p *AMQPPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.stop)
	})
	<-p.done
	return nil
}
