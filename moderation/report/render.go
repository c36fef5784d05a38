package report

import (
	"embed"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates/*.md
var templateFS embed.FS

const timeLayout = "2006-01-02 15:04:05"

// Renderer turns digests into markdown using the embedded templates.
type Renderer struct {
	set *pongo2.TemplateSet

	mu    sync.Mutex
	cache map[string]*pongo2.Template
}

func NewRenderer() *Renderer {
	return &Renderer{
		set:   pongo2.NewSet("reports", pongo2.NewFSLoader(templateFS)),
		cache: make(map[string]*pongo2.Template),
	}
}

func (r *Renderer) template(name string) (*pongo2.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[name]; ok {
		return tpl, nil
	}
	b, err := fs.ReadFile(templateFS, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("unknown report template %q: %w", name, err)
	}
	tpl, err := r.set.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("parsing report template %q: %w", name, err)
	}
	r.cache[name] = tpl
	return tpl, nil
}

// Render executes a named template (eg, "batch.md") with arbitrary data.
func (r *Renderer) Render(name string, data pongo2.Context) (string, error) {
	tpl, err := r.template(name)
	if err != nil {
		return "", err
	}
	out, err := tpl.Execute(data)
	if err != nil {
		return "", fmt.Errorf("rendering %q: %w", name, err)
	}
	return out, nil
}

type renderItem struct {
	Item
	When string
}

func (r *Renderer) RenderDigest(d *Digest) (string, error) {
	items := make([]renderItem, len(d.Items))
	for i, it := range d.Items {
		items[i] = renderItem{Item: it, When: it.CreatedAt.UTC().Format(timeLayout)}
	}
	data := pongo2.Context{
		"digest":    d,
		"items":     items,
		"from":      d.From.UTC().Format(timeLayout),
		"to":        d.To.UTC().Format(timeLayout),
		"generated": d.GeneratedAt.UTC().Format(timeLayout),
		"serious":   d.Serious(),
		"sparkline": d.Sparkline(),
	}
	switch d.Scope {
	case ScopeChannel:
		return r.Render("channel.md", data)
	case ScopeUser:
		return r.Render("user.md", data)
	default:
		return "", fmt.Errorf("unknown digest scope: %q", d.Scope)
	}
}

// FormatTime is the timestamp layout used throughout rendered reports.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
