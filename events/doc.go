// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package events publishes run lifecycle events.

Every event is published after the transaction that caused it commits.
LogPublisher is the default; AMQPPublisher sends JSON messages to a topic
exchange with the event kind as routing key:

	pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, 5)

Publish only queues the event. One goroutine delivers the queue and reconnects
after a failed delivery, so a broker outage never holds up a request; events
that arrive while the queue is full are dropped with a warning.

Consumers bind with patterns like "run.*" or "group.#".
*/
package events
