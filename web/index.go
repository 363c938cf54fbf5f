// Package web renders bastet's HTML pages and serves its static assets.
package web

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"io/fs"

	"github.com/a-h/templ"

	"github.com/uvensys/bastet"
	"github.com/uvensys/bastet/lib/localization"
)

var (
	//go:embed templates/*.html
	templateFS embed.FS

	//go:embed static
	staticFS embed.FS

	templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))
)

// Static holds the files served under bastet.StaticPath.
var Static, _ = fs.Sub(staticFS, "static")

type page struct {
	Lang       string
	Title      string
	StaticPath string
	Version    string
	T          func(string) string
}

// Body is the content of a page, rendered from this package's templates.
// Base only accepts a Body because it inserts the output unescaped.
type Body struct {
	name string
	data any
}

func render(name string, data any) Body {
	return Body{name: name, data: data}
}

// Render implements templ.Component.
func (b Body) Render(ctx context.Context, w io.Writer) error {
	if b.name == "" {
		return errEmptyBody
	}

	return templates.ExecuteTemplate(w, b.name, b.data)
}

var errEmptyBody = errors.New("web: empty page body")

// Base wraps body in the page chrome.
func Base(title string, body Body, localizer *localization.SimpleLocalizer) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var buf bytes.Buffer
		if err := body.Render(ctx, &buf); err != nil {
			return err
		}

		return templates.ExecuteTemplate(w, "base.html", struct {
			page
			Body template.HTML
		}{
			page: page{
				Lang:       localizer.Lang.String(),
				Title:      title,
				StaticPath: bastet.StaticPath,
				Version:    bastet.Version,
				T:          localizer.T,
			},
			// body was produced by html/template and is already escaped.
			Body: template.HTML(buf.String()),
		})
	})
}

// ChallengeParams is what the solver script needs from the server.
type ChallengeParams struct {
	// Challenge is the issued challenge record as JSON text.
	Challenge    string
	Difficulty   uint16
	CookieName   string
	CookieMaxAge int
}

// Challenge is the body of the page that solves a challenge in the browser.
func Challenge(params ChallengeParams, localizer *localization.SimpleLocalizer) Body {
	return render("challenge.html", struct {
		ChallengeParams
		StaticPath string
		T          func(string) string
	}{
		ChallengeParams: params,
		StaticPath:      bastet.StaticPath,
		T:               localizer.T,
	})
}

// ErrorPage is the body of a page explaining that something went wrong.
func ErrorPage(msg, retry string, localizer *localization.SimpleLocalizer) Body {
	return render("error.html", struct {
		Message string
		Retry   string
		T       func(string) string
	}{
		Message: msg,
		Retry:   retry,
		T:       localizer.T,
	})
}
