// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package middleware provides HTTP middleware and helper functions.

# Request Logging

Wrap handlers with request logging:

	mux.HandleFunc("GET /health", middleware.WithLogging(handler))

Logs request start (method, path, remote) and completion (duration_ms).

# CORS Middleware

Enable cross-origin requests from study pages:

	server := http.Server{
		Handler: middleware.CORS(mux),
	}

Allows methods GET, POST, PUT, DELETE, OPTIONS with headers
Content-Type, Authorization, X-Requested-With. CORSWithOrigins limits the
answer to a fixed list of origins:

	handler := middleware.CORSWithOrigins([]string{"https://lab.example.org"})(mux)

# JSON Helpers

Write JSON responses:

	middleware.JSONResponse(w, http.StatusOK, data)
	middleware.ErrorResponse(w, http.StatusBadRequest, "message")

IsAjax tells study page JavaScript apart from browser navigation, so
handlers can answer errors as JSON or as a plain page.

# Study Members

AdminFromRequest reads the signed-in member's JWT from an
"Authorization: Bearer" header or the PUBLIX_ADMIN cookie:

	email, ok := middleware.AdminFromRequest(r, cfg.JWTSecret)

# Client IP Extraction

Get the original client IP (handles X-Forwarded-For, X-Real-IP):

	ip := middleware.GetClientIP(r)

Used for hashing the IP in study log lines.
*/
package middleware
