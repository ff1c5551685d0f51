package webapp

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/edusync/eduauth"
)

var templateFuncs = template.FuncMap{
	"roleLabel": func(r eduauth.Role) string {
		switch r {
		case eduauth.RoleTeacher:
			return "Teacher"
		case eduauth.RoleAdmin:
			return "Administrator"
		case eduauth.RoleStudent:
			return "Student"
		default:
			return "Member"
		}
	},
}

// pages holds the content templates; each is rendered inside "layout".
var pages = map[string]string{
	"login": `
<h1>Sign in</h1>
{{if .Error}}<p class="error" role="alert">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <input type="hidden" name="next" value="{{.Next}}">
  <label>Email <input type="email" name="identifier" value="{{.Identifier}}" autocomplete="username" required></label>
  <label>Password <input type="password" name="secret" autocomplete="current-password" required></label>
  <button type="submit">Sign in</button>
</form>`,

	"loading": `
<p class="loading">Loading your session&hellip;</p>`,

	"unauthorized": `
<h1>Not available</h1>
<p>Your account does not have access to this page.</p>
<p><a href="/dashboard">Back to dashboard</a></p>`,

	"dashboard": `
<h1>Welcome, {{.User.DisplayName}}</h1>
<p>Signed in as {{roleLabel .User.Role}}.</p>
<ul>
  <li><a href="/chat">Chat</a></li>
  {{if eq .User.Role "teacher"}}<li><a href="/classes">My classes</a></li>{{end}}
  {{if eq .User.Role "admin"}}<li><a href="/admin">Administration</a></li>{{end}}
</ul>`,

	"chat": `
<h1>Chat</h1>
<p>Messages for {{.User.DisplayName}} appear here.</p>`,

	"classes": `
<h1>My classes</h1>
<p>Class management for {{.User.DisplayName}}.</p>`,

	"admin": `
<h1>Administration</h1>
<p>Active browser sessions: {{.ActiveClients}}</p>`,
}

const layout = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>{{.Title}} - EduSync</title>
</head>
<body>
  <header>
    <strong>EduSync</strong>
    {{if .User}}
    <span>{{.User.DisplayName}}</span>
    <form method="post" action="/logout" style="display:inline"><button type="submit">Sign out</button></form>
    {{end}}
  </header>
  <main>{{template "content" .}}</main>
</body>
</html>`

type renderer struct {
	pages map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	r := &renderer{pages: make(map[string]*template.Template, len(pages))}
	for name, content := range pages {
		tmpl, err := template.New("layout").Funcs(templateFuncs).Parse(layout)
		if err != nil {
			return nil, fmt.Errorf("parse layout: %w", err)
		}
		if _, err := tmpl.New("content").Parse(content); err != nil {
			return nil, fmt.Errorf("parse page %s: %w", name, err)
		}
		r.pages[name] = tmpl
	}
	return r, nil
}

// pageData is the model of every page. User is nil for anonymous visitors.
type pageData struct {
	Title         string
	User          *eduauth.Identity
	Error         string
	Next          string
	Identifier    string
	ActiveClients int
}

func (r *renderer) render(w http.ResponseWriter, status int, name string, data pageData) error {
	tmpl, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("template not found: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
