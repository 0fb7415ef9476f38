// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danielhkuo/publix/cliparse"
	"github.com/danielhkuo/publix/group"
	"github.com/danielhkuo/publix/idcookie"
	"github.com/danielhkuo/publix/middleware"
	"github.com/danielhkuo/publix/models"
	"github.com/danielhkuo/publix/publix"
)

const channelBuffer = 64

type GroupHandler struct {
	publix   *PublixHandler
	svc      *publix.Service
	hub      *group.Hub
	jar      *idcookie.Jar
	idle     time.Duration
	upgrader websocket.Upgrader
}

func NewGroupHandler(svc *publix.Service, hub *group.Hub, jar *idcookie.Jar, cfg cliparse.Config) *GroupHandler {
	return &GroupHandler{
		publix: NewPublixHandler(svc, jar, cfg),
		svc:    svc,
		hub:    hub,
		jar:    jar,
		idle:   cfg.ChannelIdleTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Study pages may live on another origin; the id cookie authenticates
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Join handles GET /publix/{srid}/group/join
// The run joins a group, then the connection is upgraded to its group channel.
func (h *GroupHandler) Join(w http.ResponseWriter, r *http.Request) {
	ref, err := h.publix.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	// Membership without a channel would never be released
	if !websocket.IsWebSocketUpgrade(r) {
		fail(w, r, publix.NewBadRequest("joining a group needs a WebSocket connection"))
		return
	}
	m, err := h.svc.JoinGroup(r.Context(), ref)
	if err != nil {
		fail(w, r, err)
		return
	}

	header := http.Header{}
	header.Add("Set-Cookie", h.jar.Cookie(m.Cookie).String())
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade has already answered the request
		slog.Warn("group channel upgrade failed", "study_result_id", m.StudyResult.ID, "error", err)
		if m.Joined {
			if err := h.svc.LeaveGroupByID(context.Background(), m.StudyResult.ID); err != nil {
				slog.Error("failed to leave group after upgrade failed", "study_result_id", m.StudyResult.ID, "error", err)
			}
		}
		return
	}

	srid := m.StudyResult.ID
	batchID := m.StudyResult.BatchID
	ch := group.NewChannel(srid, conn, channelBuffer)
	h.hub.Register(batchID, m.Group.ID, ch)
	ch.Send(m.OpenedMessage())
	if m.Joined {
		h.hub.Broadcast(batchID, m.Group.ID, m.JoinedMessage(), srid)
	}
	slog.Info("group channel opened", "study_result_id", srid, "group_result_id", m.Group.ID)

	h.serve(conn, ch, batchID, srid)

	// A channel replaced by a second tab or dropped by the server does not leave
	if h.hub.Unregister(batchID, ch) {
		if err := h.svc.LeaveGroupByID(context.Background(), srid); err != nil {
			slog.Error("failed to leave group after channel closed", "study_result_id", srid, "error", err)
		}
	}
	ch.Close()
	slog.Info("group channel closed", "study_result_id", srid)
}

// serve reads the member's messages until the connection fails or goes idle.
func (h *GroupHandler) serve(conn *websocket.Conn, ch *group.Channel, batchID, srid string) {
	for {
		if h.idle > 0 {
			conn.SetReadDeadline(time.Now().Add(h.idle))
		}
		var msg group.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("group channel read ended", "study_result_id", srid, "error", err)
			}
			return
		}
		if msg.IsHeartbeat() {
			continue
		}
		h.handle(ch, batchID, srid, &msg)
	}
}

func (h *GroupHandler) handle(ch *group.Channel, batchID, srid string, msg *group.ClientMessage) {
	ctx := context.Background()
	switch msg.Action {
	case group.ActionSession:
		version, ok, err := h.svc.UpdateGroupSession(ctx, srid, msg.SessionVersion, string(msg.SessionData))
		switch {
		case err != nil:
			ch.Send(errorMessage(err))
		case ok:
			ch.Send(group.Message{Action: group.ActionSessionAck, MemberID: srid, SessionVersion: version})
		default:
			ch.Send(group.Message{Action: group.ActionSessionFail, MemberID: srid, SessionVersion: msg.SessionVersion})
		}

	case group.ActionFixed, group.ActionUnfixed:
		if _, err := h.svc.SetGroupFixed(ctx, srid, msg.Action == group.ActionFixed); err != nil {
			ch.Send(errorMessage(err))
		}

	case "":
		if len(msg.GroupMsg) == 0 {
			ch.Send(group.Message{Action: group.ActionError, ErrorMsg: "empty message"})
			return
		}
		sent := h.hub.Relay(batchID, srid, msg.Recipient, group.Message{MemberID: srid, GroupMsg: msg.GroupMsg})
		if msg.Recipient != "" && len(sent) == 0 {
			ch.Send(group.Message{Action: group.ActionError, ErrorMsg: "recipient " + msg.Recipient + " is not in the group"})
		}

	default:
		ch.Send(group.Message{Action: group.ActionError, ErrorMsg: "unknown action " + msg.Action})
	}
}

func errorMessage(err error) group.Message {
	msg := "internal server error"
	if e, ok := publix.AsError(err); ok && e.Kind != publix.KindInternal {
		msg = e.Message
	} else {
		slog.Error("group channel operation failed", "error", err)
	}
	return group.Message{Action: group.ActionError, ErrorMsg: msg}
}

// Reassign handles GET /publix/{srid}/group/reassign
// Without another group that has room it answers 204 and nothing changes.
func (h *GroupHandler) Reassign(w http.ResponseWriter, r *http.Request) {
	ref, err := h.publix.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := h.svc.ReassignGroup(r.Context(), ref)
	if errors.Is(err, publix.ErrNoAlternativeGroup) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	h.jar.Write(w, res.Cookie)
	middleware.JSONResponse(w, http.StatusOK, models.GroupResponse{
		GroupResultID:  res.To.ID,
		GroupState:     res.To.State,
		Members:        res.Members,
		SessionVersion: res.To.SessionVersion,
	})
}

// Leave handles GET /publix/{srid}/group/leave
func (h *GroupHandler) Leave(w http.ResponseWriter, r *http.Request) {
	ref, err := h.publix.runRef(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	cookie, err := h.svc.LeaveGroup(r.Context(), ref)
	if err != nil {
		fail(w, r, err)
		return
	}
	h.jar.Write(w, cookie)
	w.WriteHeader(http.StatusOK)
}
