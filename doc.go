// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package main provides the entry point for the publix study-run server.

Publix hands out study runs to workers, walks each run through its
components, stores the data the study pages post, and coordinates group
studies over WebSocket channels.

# Starting the Server

The server requires environment variables or CLI flags for configuration:

	DATABASE_URL=publix.db COOKIE_SECRET=... JWT_SECRET=... go run .

Or with flags:

	go run . -p 9000 -t postgres -d "postgres://..." -fixtures studies.json

A .env file in the working directory is read as well.

# Configuration

Required settings:

  - DATABASE_URL (-d): SQLite file or PostgreSQL connection string
  - COOKIE_SECRET (--cookie-secret): Secret for id cookie signatures
  - JWT_SECRET (--jwt-secret): Secret for admin tokens

Optional settings:

  - PORT (-p): Server port (default: 9000)
  - DATABASE_TYPE (-t): sqlite or postgres (default: sqlite)
  - PUBLIX_ASSETS_DIR (--assets): Component pages (default: study_assets)
  - PUBLIX_FIXTURES (--fixtures): Studies to load at start-up
  - PUBLIX_MAX_ID_COOKIES (--max-id-cookies): Concurrent runs per browser (default: 10)
  - PUBLIX_MAX_RESULT_DATA (--max-result-data): Result data limit in bytes (default: 5 MiB)
  - PUBLIX_GROUP_SELECTION (--group-selection): pack or oldest (default: pack)
  - PUBLIX_CHANNEL_IDLE_TIMEOUT (--channel-idle-timeout): Close silent group channels
  - --sweep-abandoned-after: Fail runs idle this long at start-up
  - PUBLIX_ALLOWED_ORIGINS (--allowed-origins): Comma-separated CORS origins (default: any)
  - AMQP_URL (--amqp), AMQP_EXCHANGE (--amqp-exchange): Publish run events

Study members sign in with an admin token:

	go run . -issue-admin-token owner@example.org

# Architecture

  - publix: The run protocol (start, components, data, finish, groups)
  - group: Group assignment and the per-batch channel dispatchers
  - handlers: HTTP and WebSocket handlers
  - router: Route definitions using Go 1.22+ routing
  - idcookie: Signed per-run browser cookies
  - events: Run event publishing (log or AMQP)
  - middleware: CORS, logging, JSON helpers, admin sign-in
  - models: Domain and response types
  - auth: IDs, signatures, admin tokens
  - db: Schema, queries, fixtures
  - cliparse: Configuration parsing

See package documentation for each component.
*/
package main
