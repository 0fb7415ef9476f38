// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package cliparse handles command-line argument parsing and configuration.

# Configuration

ParseFlags returns a Config struct with all settings:

	cfg, err := cliparse.ParseFlags(os.Args[1:])

A .env file in the working directory is loaded before flags are read.

# CLI Flags and Environment Variables

	-p                      PORT                         (default 9000)
	-d                      DATABASE_URL                 (required)
	-t                      DATABASE_TYPE                sqlite | postgres (default sqlite)
	-assets                 PUBLIX_ASSETS_DIR            (default study_assets)
	-fixtures               PUBLIX_FIXTURES
	-cookie-secret          COOKIE_SECRET                (required)
	-jwt-secret             JWT_SECRET                   (required)
	-max-id-cookies         PUBLIX_MAX_ID_COOKIES        (default 10)
	-max-result-data        PUBLIX_MAX_RESULT_DATA       (default 5 MiB)
	-group-selection        PUBLIX_GROUP_SELECTION       pack | oldest (default pack)
	-channel-idle-timeout   PUBLIX_CHANNEL_IDLE_TIMEOUT  (default 0, never)
	-sweep-abandoned-after  (flag only)                  (default 0, never)
	-amqp                   AMQP_URL                     (empty = log events only)
	-amqp-exchange          AMQP_EXCHANGE                (default publix.runs)
	-issue-admin-token      (flag only)

CLI flags take precedence over environment variables.
*/
package cliparse
