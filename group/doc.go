// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package group assigns study runs to groups and fans messages out to their
open channels.

# Assignment

Coordinator works inside the caller's transaction. A joining run is put into
a STARTED group of its batch that has room, or a new group:

	coord := group.NewCoordinator(cfg.GroupSelection)
	g, joined, err := coord.Join(ctx, q, sr, batch, now)

With "pack" the fullest group wins, with "oldest" the first one started.
Group sessions carry a version; UpdateSession only writes when the caller
holds the current one.

# Channels

Hub keeps one dispatcher goroutine per batch. Register, Unregister, Move,
Broadcast, Relay and Drop are commands on that goroutine's inbox, so the
order in which they are submitted is the order members observe.

	hub := group.NewHub()
	hub.Register(batchID, groupID, group.NewChannel(srid, conn, 64))
	hub.Broadcast(batchID, groupID, msg, srid)

A Channel writes from its own goroutine; a member that falls behind by a
full queue is disconnected.
*/
package group
