package gateway

import (
	"fmt"
	"html/template"
	"io"

	"github.com/giantswarm/session-gateway/session"
)

// Page names a page the gateway renders
type Page string

// Pages rendered by the gateway
const (
	PageHome    Page = "home"
	PageAccount Page = "account"
)

// PageData is passed to a PageRenderer.
type PageData struct {
	// Profile is display data from the untrusted profile cookie. It may be nil,
	// and it may have been edited by the user.
	Profile *session.Profile

	LoginPath  string
	LogoutPath string
}

// PageRenderer renders the gateway's HTML pages. Page design lives outside the
// gateway; implementations only need to produce a document for each Page.
type PageRenderer interface {
	Render(w io.Writer, page Page, data PageData) error
}

const pageLayout = `{{define "layout"}}<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{template "title" .}}</title>
</head>
<body>
<main>
{{template "body" .}}
</main>
</body>
</html>
{{end}}`

const homePage = `{{define "title"}}Sign in{{end}}
{{define "body"}}<h1>Welcome</h1>
<p><a href="{{.LoginPath}}">Log in</a></p>{{end}}`

const accountPage = `{{define "title"}}Account{{end}}
{{define "body"}}<h1>Your account</h1>
{{with .Profile}}<p>Signed in as {{if .FullName}}{{.FullName}}{{else if .Email}}{{.Email}}{{else}}{{.ID}}{{end}}</p>{{end}}
<p><a href="{{.LogoutPath}}">Log out</a></p>{{end}}`

type templatePages struct {
	pages map[Page]*template.Template
}

// DefaultPages returns minimal built-in pages.
func DefaultPages() PageRenderer {
	layout := template.Must(template.New("layout").Parse(pageLayout))
	return &templatePages{
		pages: map[Page]*template.Template{
			PageHome:    template.Must(template.Must(layout.Clone()).Parse(homePage)),
			PageAccount: template.Must(template.Must(layout.Clone()).Parse(accountPage)),
		},
	}
}

func (p *templatePages) Render(w io.Writer, page Page, data PageData) error {
	tmpl, ok := p.pages[page]
	if !ok {
		return fmt.Errorf("unknown page %q", page)
	}
	return tmpl.ExecuteTemplate(w, "layout", data)
}
