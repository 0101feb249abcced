// Package web embeds the single-page caption UI and its HTML fragments.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// Template names.
const (
	IndexPage        = "index.html"
	CaptionFragment  = "caption.html"
	FeaturesFragment = "features.html"
	ErrorFragment    = "error.html"
)

// Templates parses every embedded template.
func Templates() *template.Template {
	return template.Must(template.New("").Funcs(template.FuncMap{
		"upper": strings.ToUpper,
	}).ParseFS(templateFS, "templates/*.html"))
}

// Static is the asset tree served under /static.
func Static() fs.FS {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
