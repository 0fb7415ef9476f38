// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package router defines HTTP routes for the publix study-run server.

# Route Registration

NewRouter creates a configured http.ServeMux with all endpoints:

	mux := router.NewRouter(svc, hub, cfg)

# Endpoints

Health:

	GET /health

Study runs (the {srid} id cookie identifies the run):

	GET  /publix/studies/{studyId}/start    - Start or resume a run
	GET  /publix/{srid}/start-component      - Start a component (componentId or position)
	GET  /publix/{srid}/next-component       - Next component, or finish after the last
	GET  /publix/{srid}/init-data            - Init data for the running component
	POST /publix/{srid}/study-session-data   - Overwrite study session data
	POST /publix/{srid}/result-data          - Overwrite result data
	POST /publix/{srid}/result-data/append   - Append result data
	GET  /publix/{srid}/finish-component     - Finish the running component
	GET  /publix/{srid}/abort                - Abort the run
	GET  /publix/{srid}/finish               - Finish the run
	POST /publix/{srid}/heartbeat            - Keep the run alive
	POST /publix/{srid}/log                  - Log a line from the study page
	GET  /publix/{srid}/end                  - End page with the confirmation code

Group studies:

	GET /publix/{srid}/group/join     - Join a group and open its WebSocket channel
	GET /publix/{srid}/group/reassign - Move to another group (204 if none has room)
	GET /publix/{srid}/group/leave    - Leave the group

Component pages are served from the assets directory under /study_assets/.
*/
package router
