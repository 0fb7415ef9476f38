// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package auth provides identifiers, cookie signing, and admin tokens.

# Cookie Signing

Identity cookies carry run identity across cross-origin requests, so every value is
signed with HMAC-SHA256 before it is written:

	signed := auth.SignCookieValue(value, secret)
	value, err := auth.VerifyCookieValue(signed, secret)

The MAC is URL-safe base64 without padding, appended after a dot.

# Admin Tokens

Jatos workers are study members running their own study. They authenticate with an
HS256 JWT carrying their email:

	tok, err := auth.SignAdminToken(email, secret, 24*time.Hour)
	claims, err := auth.ParseAdminToken(tok, secret)

# Identifiers

	id, err := auth.GenerateID(8)        // 16 hex characters
	u := auth.GenerateUUID()             // study result uuids
	code := auth.GenerateConfirmationCode()

# IP Hashing

Client log lines record a salted hash instead of the raw address:

	hash := auth.HashIP(ipAddress, salt)
*/
package auth
