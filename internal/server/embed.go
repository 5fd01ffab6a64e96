package server

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/vesaa/prevsim/internal/models"
	"github.com/vesaa/prevsim/internal/money"
	"github.com/vesaa/prevsim/webui"
)

const (
	templateRoot = "web/templates"
	staticRoot   = "web/static"
)

// views renders the embedded templates. Every page is parsed together with
// the layout and the shared partials under its own file name; fragments are
// rendered on their own.
type views struct {
	pages map[string]*template.Template
	roots map[string]string
}

var _ render.HTMLRender = (*views)(nil)

var templateFuncs = template.FuncMap{
	"money": money.Format,
	"pct":   money.Percent,
	"units": func(v float64) string { return fmt.Sprintf("%.4f", v) },
	"nav":   func(v float64) string { return fmt.Sprintf("%.6f", v) },
	"bytes": func(v int64) string {
		if v < 0 {
			v = 0
		}
		return humanize.Bytes(uint64(v))
	},
	"usage":  func(v float64) string { return fmt.Sprintf("%.1f%%", v) },
	"add":    func(a, b int) int { return a + b },
	"upper":  strings.ToUpper,
	"regime": regimeName,
	"certID": func(id *uint) string {
		if id == nil {
			return "-"
		}
		return fmt.Sprintf("#%d", *id)
	},
	"pending": func(st models.RequestStatus) bool { return st == models.StatusPending },
}

func regimeName(r models.TaxRegime) string {
	if r == models.RegimeUnset {
		return "not chosen"
	}
	return string(r)
}

func loadViews() (*views, error) {
	v := &views{pages: map[string]*template.Template{}, roots: map[string]string{}}

	pages, err := fs.Glob(webui.FS, templateRoot+"/pages/*.html")
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		name := strings.TrimSuffix(path.Base(p), ".html")
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(webui.FS,
			templateRoot+"/layout.html", templateRoot+"/partials/*.html", p)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		v.pages[name] = t
		v.roots[name] = "layout"
	}

	fragments, err := fs.Glob(webui.FS, templateRoot+"/fragments/*.html")
	if err != nil {
		return nil, err
	}
	for _, p := range fragments {
		name := strings.TrimSuffix(path.Base(p), ".html")
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(webui.FS, p)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		v.pages[name] = t
		v.roots[name] = path.Base(p)
	}
	return v, nil
}

// Instance implements render.HTMLRender.
func (v *views) Instance(name string, data any) render.Render {
	return render.HTML{Template: v.pages[name], Name: v.roots[name], Data: data}
}

// RegisterStaticFiles mounts the embedded scripts and stylesheets.
func RegisterStaticFiles(r *gin.Engine) {
	sub, err := fs.Sub(webui.FS, staticRoot)
	if err != nil {
		panic("embed: static sub-fs failed: " + err.Error())
	}
	r.StaticFS("/static", http.FS(sub))
}
