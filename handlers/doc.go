// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package handlers contains the HTTP and WebSocket handlers of the publix server.

# Handler Types

Each handler is a struct with the run service, the id cookie jar and config:

  - PublixHandler: Starting runs, components, data, finishing, end page
  - GroupHandler: Group channels, reassignment and leaving

	publixHandler := handlers.NewPublixHandler(svc, jar, cfg)
	groupHandler := handlers.NewGroupHandler(svc, hub, jar, cfg)

# Identifying the Run

Every /publix/{srid}/... request is matched to the run's id cookie. A request
without the cookie gets 404, one with a tampered cookie 400. Signed-in study
members send an admin token in the Authorization header or the PUBLIX_ADMIN
cookie.

# Responses

Requests from study page scripts (X-Requested-With: XMLHttpRequest or an
Accept header naming JSON) get JSON. Browser navigations are redirected:

	start link       → start-component → component page
	last component   → finish          → end page (or the study's end URL)

Errors map to 400, 403, 404 and 500. Reloading a component that may not be
reloaded ends the run as failed.

# Group Channels

GET /publix/{srid}/group/join upgrades to a WebSocket. The first message is
OPENED with the group's members and session; the member then sends:

	{"action":"SESSION","sessionData":{...},"sessionVersion":3}
	{"action":"FIXED"}
	{"groupMsg":{...}}                         (to the whole group)
	{"groupMsg":{...},"recipient":"<srid>"}    (to one member)
	{"heartbeat":"ping"}

Closing the channel leaves the group, unless a second tab took it over.
*/
package handlers
