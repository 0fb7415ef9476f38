// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package group

import (
	"log/slog"
	"sync"
)

type commandKind int

const (
	cmdRegister commandKind = iota
	cmdUnregister
	cmdBroadcast
	cmdRelay
	cmdMove
	cmdEnd
	cmdOpen
)

type command struct {
	kind      commandKind
	groupID   string
	toGroupID string
	memberID  string
	except    string
	recipient string
	channel   *Channel
	msg       Message
	reply     chan []string
	ok        chan bool
}

// dispatcher owns the open channels of one batch. Only its goroutine touches the
// registry, so every command sees the effects of all earlier ones.
type dispatcher struct {
	batchID string
	inbox   chan command
	quit    <-chan struct{}

	groups  map[string]map[string]*Channel // group id -> member id -> channel
	members map[string]string              // member id -> group id
}

func (d *dispatcher) run() {
	for {
		select {
		case cmd := <-d.inbox:
			d.handle(cmd)
		case <-d.quit:
			for _, set := range d.groups {
				for _, ch := range set {
					ch.Close()
				}
			}
			return
		}
	}
}

func (d *dispatcher) handle(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		d.register(cmd.groupID, cmd.channel)
	case cmdUnregister:
		cmd.ok <- d.unregister(cmd.channel)
	case cmdBroadcast:
		d.broadcast(cmd.groupID, cmd.msg, cmd.except)
	case cmdRelay:
		cmd.reply <- d.relay(cmd.memberID, cmd.recipient, cmd.msg)
	case cmdMove:
		d.move(cmd.memberID, cmd.groupID, cmd.toGroupID)
	case cmdEnd:
		d.end(cmd.groupID, cmd.memberID)
	case cmdOpen:
		cmd.reply <- d.open(cmd.groupID)
	}
}

func (d *dispatcher) register(groupID string, ch *Channel) {
	// A second tab of the same run replaces the first connection
	if old, ok := d.channelOf(ch.StudyResultID); ok && old != ch {
		d.remove(ch.StudyResultID)
		old.Close()
	}
	set, ok := d.groups[groupID]
	if !ok {
		set = make(map[string]*Channel)
		d.groups[groupID] = set
	}
	set[ch.StudyResultID] = ch
	d.members[ch.StudyResultID] = groupID
}

func (d *dispatcher) unregister(ch *Channel) bool {
	// Ignore channels that were already replaced or dropped
	if cur, ok := d.channelOf(ch.StudyResultID); ok && cur == ch {
		d.remove(ch.StudyResultID)
		return true
	}
	return false
}

func (d *dispatcher) channelOf(memberID string) (*Channel, bool) {
	groupID, ok := d.members[memberID]
	if !ok {
		return nil, false
	}
	ch, ok := d.groups[groupID][memberID]
	return ch, ok
}

func (d *dispatcher) remove(memberID string) {
	groupID, ok := d.members[memberID]
	if !ok {
		return
	}
	delete(d.members, memberID)
	delete(d.groups[groupID], memberID)
	if len(d.groups[groupID]) == 0 {
		delete(d.groups, groupID)
	}
}

func (d *dispatcher) broadcast(groupID string, msg Message, except string) {
	for id, ch := range d.groups[groupID] {
		if id == except {
			continue
		}
		ch.Send(msg)
	}
}

// relay forwards a member's message to its current group, or to one recipient in
// that group. It returns the ids the message was delivered to.
func (d *dispatcher) relay(memberID, recipient string, msg Message) []string {
	groupID, ok := d.members[memberID]
	if !ok {
		return nil
	}
	msg.GroupResultID = groupID
	msg.MemberID = memberID

	var delivered []string
	if recipient != "" {
		if ch, ok := d.groups[groupID][recipient]; ok && ch.Send(msg) {
			delivered = append(delivered, recipient)
		}
		return delivered
	}
	for id, ch := range d.groups[groupID] {
		if id != memberID && ch.Send(msg) {
			delivered = append(delivered, id)
		}
	}
	return delivered
}

func (d *dispatcher) move(memberID, fromGroupID, toGroupID string) {
	ch, ok := d.groups[fromGroupID][memberID]
	if !ok {
		return
	}
	d.remove(memberID)
	d.register(toGroupID, ch)
}

func (d *dispatcher) end(groupID, memberID string) {
	if ch, ok := d.groups[groupID][memberID]; ok {
		d.remove(memberID)
		ch.Send(Message{Action: ActionClosed, GroupResultID: groupID, MemberID: memberID})
		ch.Close()
	}
	d.broadcast(groupID, Message{Action: ActionLeft, GroupResultID: groupID, MemberID: memberID}, memberID)
}

func (d *dispatcher) open(groupID string) []string {
	ids := make([]string, 0, len(d.groups[groupID]))
	for id := range d.groups[groupID] {
		ids = append(ids, id)
	}
	return ids
}

// Hub routes commands to one dispatcher goroutine per batch.
type Hub struct {
	mu          sync.Mutex
	dispatchers map[string]*dispatcher
	quit        chan struct{}
	closeOnce   sync.Once
}

func NewHub() *Hub {
	return &Hub{
		dispatchers: make(map[string]*dispatcher),
		quit:        make(chan struct{}),
	}
}

func (h *Hub) dispatcher(batchID string) *dispatcher {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.dispatchers[batchID]
	if !ok {
		d = &dispatcher{
			batchID: batchID,
			inbox:   make(chan command, 64),
			quit:    h.quit,
			groups:  make(map[string]map[string]*Channel),
			members: make(map[string]string),
		}
		h.dispatchers[batchID] = d
		go d.run()
		slog.Debug("group dispatcher started", "batch_id", batchID)
	}
	return d
}

func (h *Hub) submit(batchID string, cmd command) bool {
	d := h.dispatcher(batchID)
	select {
	case d.inbox <- cmd:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) ask(batchID string, cmd command) []string {
	cmd.reply = make(chan []string, 1)
	if !h.submit(batchID, cmd) {
		return nil
	}
	select {
	case ids := <-cmd.reply:
		return ids
	case <-h.quit:
		return nil
	}
}

// Register adds an open channel to a group's fan-out set.
func (h *Hub) Register(batchID, groupID string, ch *Channel) {
	h.submit(batchID, command{kind: cmdRegister, groupID: groupID, channel: ch})
}

// Unregister removes a channel wherever it currently is. It returns false if the
// channel had already been replaced by another tab or dropped by the server.
func (h *Hub) Unregister(batchID string, ch *Channel) bool {
	cmd := command{kind: cmdUnregister, channel: ch, ok: make(chan bool, 1)}
	if !h.submit(batchID, cmd) {
		return false
	}
	select {
	case ok := <-cmd.ok:
		return ok
	case <-h.quit:
		return false
	}
}

// Broadcast sends msg to every open channel of the group except the given member.
func (h *Hub) Broadcast(batchID, groupID string, msg Message, except string) {
	h.submit(batchID, command{kind: cmdBroadcast, groupID: groupID, msg: msg, except: except})
}

// Relay sends a member's application message to its current group, or only to
// recipient when set. It returns the members the message was queued for.
func (h *Hub) Relay(batchID, memberID, recipient string, msg Message) []string {
	return h.ask(batchID, command{kind: cmdRelay, memberID: memberID, recipient: recipient, msg: msg})
}

// Move transfers a member's channel between groups in one step.
func (h *Hub) Move(batchID, memberID, fromGroupID, toGroupID string) {
	h.submit(batchID, command{kind: cmdMove, memberID: memberID, groupID: fromGroupID, toGroupID: toGroupID})
}

// Drop closes the member's channel, if open, and tells the rest of the group it left.
func (h *Hub) Drop(batchID, groupID, studyResultID string) {
	h.submit(batchID, command{kind: cmdEnd, groupID: groupID, memberID: studyResultID})
}

// Open returns the members of a group that currently have an open channel.
func (h *Hub) Open(batchID, groupID string) []string {
	return h.ask(batchID, command{kind: cmdOpen, groupID: groupID})
}

// Close stops every dispatcher and closes all channels.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}
