// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package handlers

import (
	"html/template"
	"net/http"

	"github.com/danielhkuo/publix/auth"
	"github.com/danielhkuo/publix/middleware"
)

type endPageData struct {
	Title            string
	State            string
	ConfirmationCode string
	Message          string
}

var endPage = template.Must(template.New("end").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{if eq .State "FINISHED"}}<p>Thank you for taking part.</p>{{else}}<p>This study run has ended ({{.State}}).</p>{{end}}
{{with .Message}}<p>{{.}}</p>{{end}}
{{with .ConfirmationCode}}<p>Your confirmation code: <strong id="confirmation-code">{{.}}</strong></p>{{end}}
</body>
</html>
`))

// hashClientIP identifies a client in logs without storing its address.
func hashClientIP(r *http.Request, salt string) string {
	return auth.HashIP(middleware.GetClientIP(r), salt)
}
